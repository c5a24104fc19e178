// Package store provides persistence for RepoManager records: the turn
// journal and the file revisions that back "revert".
//
// Keys follow the convention "/{kind}/{scope}/{name}" where scope is a
// session or workspace ID and name is a zero-padded sequence number, so a
// prefix scan returns records in creation order.
package store

import (
	"fmt"
	"os"

	"github.com/klubi/repomanager/internal/config"
	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// Store is the persistence interface for RepoManager records. Records are
// written once and never modified: the journal only grows, and a revert
// consumes the newest revision by deleting it.
type Store interface {
	// Create stores value at key. It fails with ErrAlreadyExists when the
	// key is taken.
	Create(key string, value interface{}) error

	// Delete removes key. It fails with ErrNotFound when the key is absent.
	Delete(key string) error

	// List decodes every record whose key starts with prefix, in key order,
	// into values made by factory.
	List(prefix string, factory func() interface{}) ([]interface{}, error)

	// Watch reports Create and Delete on keys under prefix until cancel is
	// called or the store is closed. Slow readers miss events.
	Watch(prefix string) (events <-chan v1alpha1.WatchEvent, cancel func())

	// Close releases the store. Open watch channels are closed.
	Close() error
}

// Common sentinel errors.
var (
	ErrAlreadyExists = fmt.Errorf("key already exists")
	ErrNotFound      = fmt.Errorf("key not found")
)

// ResourceKey builds a canonical store key for a record.
//
//	ResourceKey("TurnRecord", "3f2a...", SeqName(7))
//	=> "/TurnRecord/3f2a.../00000007"
func ResourceKey(kind, scope, name string) string {
	return fmt.Sprintf("/%s/%s/%s", kind, scope, name)
}

// ScopePrefix returns the prefix shared by every record of kind in scope.
// An empty scope matches every scope of that kind.
func ScopePrefix(kind, scope string) string {
	if scope == "" {
		return fmt.Sprintf("/%s/", kind)
	}
	return fmt.Sprintf("/%s/%s/", kind, scope)
}

// SeqName formats a sequence number so that lexical key order matches
// numeric order.
func SeqName(seq int) string {
	return fmt.Sprintf("%08d", seq)
}

// Open creates the store selected by cfg.Store.Type. The bolt store is
// created under cfg.Store.DataDir, which is made if missing.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Store.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "bolt", "":
		if err := os.MkdirAll(cfg.Store.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory %s: %w", cfg.Store.DataDir, err)
		}
		s, err := NewBoltStore(cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("opening store at %s: %w", cfg.DBPath(), err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type %q (want bolt or memory)", cfg.Store.Type)
	}
}
