// Package manifest parses the YAML documents that declare RepoManager
// agents and the handoff rules between them.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// ParseFile reads a YAML file at the given path and parses it into typed
// resources. Multi-document YAML (separated by ---) is supported.
func ParseFile(path string) ([]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file %s: %w", path, err)
	}
	return ParseBytes(data)
}

// ParseBytes parses raw YAML bytes into typed resources.
// Multi-document YAML (separated by ---) is supported.
func ParseBytes(data []byte) ([]interface{}, error) {
	return parseDocuments(data)
}

// parseDocuments splits multi-document YAML and decodes each document into
// its concrete resource type.
func parseDocuments(data []byte) ([]interface{}, error) {
	var resources []interface{}

	decoder := yaml.NewDecoder(bytes.NewReader(data))

	for i := 1; ; i++ {
		var node yaml.Node
		if err := decoder.Decode(&node); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decoding yaml document %d: %w", i, err)
		}
		if node.Kind == 0 {
			continue
		}

		// Read the kind first, then decode into the concrete type.
		var meta v1alpha1.TypeMeta
		if err := node.Decode(&meta); err != nil {
			return nil, fmt.Errorf("decoding type meta of document %d: %w", i, err)
		}
		if meta.Kind == "" && meta.APIVersion == "" {
			continue
		}

		resource, err := decodeResource(&node, meta.Kind)
		if err != nil {
			return nil, err
		}
		setDefaults(resource)
		if err := validateResource(resource); err != nil {
			return nil, err
		}
		resources = append(resources, resource)
	}

	return resources, nil
}

func decodeResource(node *yaml.Node, kind string) (interface{}, error) {
	switch kind {
	case v1alpha1.KindAgent:
		var r v1alpha1.Agent
		if err := node.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding Agent: %w", err)
		}
		return &r, nil

	case v1alpha1.KindHandoff:
		var r v1alpha1.Handoff
		if err := node.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding Handoff: %w", err)
		}
		return &r, nil

	default:
		return nil, fmt.Errorf("unknown resource kind: %q", kind)
	}
}

// setDefaults fills the API version and derives a Handoff name from its
// endpoints when none is given.
func setDefaults(resource interface{}) {
	switch r := resource.(type) {
	case *v1alpha1.Agent:
		if r.APIVersion == "" {
			r.APIVersion = v1alpha1.APIVersion
		}
	case *v1alpha1.Handoff:
		if r.APIVersion == "" {
			r.APIVersion = v1alpha1.APIVersion
		}
		if r.Metadata.Name == "" && r.Spec.From != "" && r.Spec.To != "" {
			r.Metadata.Name = r.Spec.From + "-to-" + r.Spec.To
		}
	}
}

// validateResource checks that required fields are set on the resource.
func validateResource(resource interface{}) error {
	switch r := resource.(type) {
	case *v1alpha1.Agent:
		if r.Metadata.Name == "" {
			return fmt.Errorf("validation failed: Agent name must not be empty")
		}
		if r.Spec.Instructions == "" {
			return fmt.Errorf("validation failed: Agent %s must have instructions", r.Metadata.Name)
		}
	case *v1alpha1.Handoff:
		if r.Spec.From == "" || r.Spec.To == "" {
			return fmt.Errorf("validation failed: Handoff %s needs both from and to", r.Metadata.Name)
		}
		if r.Spec.Condition == "" {
			return fmt.Errorf("validation failed: Handoff %s must have a condition", r.Metadata.Name)
		}
	}
	return nil
}
