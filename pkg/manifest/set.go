package manifest

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/klubi/repomanager/internal/handoff"
	"github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

//go:embed defaults.yaml
var defaultManifest []byte

// DefaultYAML returns the built-in manifest: a coding agent that starts
// every session and a GitHub agent, with a handoff rule each way.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultManifest...)
}

// Set is the agents and handoffs declared by one manifest.
type Set struct {
	Agents   []*v1alpha1.Agent
	Handoffs []*v1alpha1.Handoff
}

// Vars are the values substituted into agent instructions.
type Vars struct {
	WorkingDirectory string
	Repository       string
	GitHubTools      string
}

// Load reads the manifest at path, or the built-in one when path is empty.
func Load(path string) (*Set, error) {
	var resources []interface{}
	var err error
	if path == "" {
		resources, err = ParseBytes(defaultManifest)
	} else {
		resources, err = ParseFile(path)
	}
	if err != nil {
		return nil, err
	}
	return Collect(resources)
}

// Collect groups parsed resources into a Set. At least one agent is
// required.
func Collect(resources []interface{}) (*Set, error) {
	s := &Set{}
	for _, res := range resources {
		switch r := res.(type) {
		case *v1alpha1.Agent:
			s.Agents = append(s.Agents, r)
		case *v1alpha1.Handoff:
			s.Handoffs = append(s.Handoffs, r)
		default:
			return nil, fmt.Errorf("unexpected resource %T in agent manifest", res)
		}
	}
	if len(s.Agents) == 0 {
		return nil, fmt.Errorf("manifest declares no agents")
	}
	return s, nil
}

// Start returns the agent marked start: true, or the first agent when none
// is marked.
func (s *Set) Start() (string, error) {
	start := ""
	for _, a := range s.Agents {
		if !a.Spec.Start {
			continue
		}
		if start != "" {
			return "", fmt.Errorf("agents %s and %s are both marked start", start, a.Metadata.Name)
		}
		start = a.Metadata.Name
	}
	if start == "" && len(s.Agents) > 0 {
		start = s.Agents[0].Metadata.Name
	}
	return start, nil
}

// Rules converts the Handoff resources to handoff rules in declaration
// order.
func (s *Set) Rules() []handoff.Rule {
	rules := make([]handoff.Rule, 0, len(s.Handoffs))
	for _, h := range s.Handoffs {
		rules = append(rules, handoff.Rule{
			From:      h.Spec.From,
			To:        h.Spec.To,
			Condition: strings.TrimSpace(h.Spec.Condition),
		})
	}
	return rules
}

// Table builds and validates the handoff table.
func (s *Set) Table() (*handoff.Table, error) {
	start, err := s.Start()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.Agents))
	for _, a := range s.Agents {
		names = append(names, a.Metadata.Name)
	}
	return handoff.NewTable(start, names, s.Rules())
}

// Agent returns the agent called name.
func (s *Set) Agent(name string) (*v1alpha1.Agent, bool) {
	for _, a := range s.Agents {
		if a.Metadata.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Render returns a copy of the set with every agent's instructions executed
// as a template against vars. Unknown template fields are errors.
func (s *Set) Render(vars Vars) (*Set, error) {
	out := &Set{Handoffs: s.Handoffs}
	for _, a := range s.Agents {
		tmpl, err := template.New(a.Metadata.Name).Option("missingkey=error").Parse(a.Spec.Instructions)
		if err != nil {
			return nil, fmt.Errorf("agent %s instructions: %w", a.Metadata.Name, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, vars); err != nil {
			return nil, fmt.Errorf("agent %s instructions: %w", a.Metadata.Name, err)
		}

		rendered := *a
		rendered.Spec.Instructions = buf.String()
		rendered.Spec.Tools = append([]string(nil), a.Spec.Tools...)
		out.Agents = append(out.Agents, &rendered)
	}
	return out, nil
}
