package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/klubi/repomanager/internal/config"
	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// newTestTurn creates a TurnRecord for testing.
func newTestTurn(session string, seq int, input string) *v1alpha1.TurnRecord {
	return &v1alpha1.TurnRecord{
		TypeMeta: v1alpha1.TypeMeta{
			APIVersion: v1alpha1.APIVersion,
			Kind:       v1alpha1.KindTurnRecord,
		},
		Metadata: v1alpha1.ObjectMeta{
			Name: SeqName(seq),
		},
		Session: session,
		Seq:     seq,
		Input:   input,
		Agent:   "CodingAgent",
	}
}

func turnKey(session string, seq int) string {
	return ResourceKey(v1alpha1.KindTurnRecord, session, SeqName(seq))
}

func listTurns(t *testing.T, s Store, session string) []*v1alpha1.TurnRecord {
	t.Helper()
	objs, err := s.List(ScopePrefix(v1alpha1.KindTurnRecord, session), func() interface{} {
		return &v1alpha1.TurnRecord{}
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out := make([]*v1alpha1.TurnRecord, len(objs))
	for i, obj := range objs {
		out[i] = obj.(*v1alpha1.TurnRecord)
	}
	return out
}

// forEachStore runs fn against a memory store and a bolt store in a temp dir.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})

	t.Run("bolt", func(t *testing.T) {
		s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("NewBoltStore: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func TestCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		key := turnKey("sess-1", 1)
		if err := s.Create(key, newTestTurn("sess-1", 1, "hello")); err != nil {
			t.Fatalf("unexpected error on Create: %v", err)
		}

		turns := listTurns(t, s, "sess-1")
		if len(turns) != 1 {
			t.Fatalf("expected 1 record, got %d", len(turns))
		}
		got := turns[0]
		if got.Input != "hello" {
			t.Errorf("expected input hello, got %s", got.Input)
		}
		if got.Session != "sess-1" {
			t.Errorf("expected session sess-1, got %s", got.Session)
		}
		if got.Agent != "CodingAgent" {
			t.Errorf("expected agent CodingAgent, got %s", got.Agent)
		}
	})
}

func TestCreateDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		key := turnKey("sess-1", 1)
		if err := s.Create(key, newTestTurn("sess-1", 1, "a")); err != nil {
			t.Fatalf("unexpected error on first Create: %v", err)
		}

		err := s.Create(key, newTestTurn("sess-1", 1, "b"))
		if err != ErrAlreadyExists {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}

		// The first write wins; records are never modified.
		if turns := listTurns(t, s, "sess-1"); len(turns) != 1 || turns[0].Input != "a" {
			t.Errorf("expected original record to survive, got %+v", turns)
		}
	})
}

func TestDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		for seq := 1; seq <= 2; seq++ {
			if err := s.Create(turnKey("sess-1", seq), newTestTurn("sess-1", seq, "x")); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}
		if err := s.Delete(turnKey("sess-1", 2)); err != nil {
			t.Fatalf("unexpected error on Delete: %v", err)
		}

		turns := listTurns(t, s, "sess-1")
		if len(turns) != 1 || turns[0].Seq != 1 {
			t.Fatalf("expected only seq 1 after Delete, got %+v", turns)
		}
		if err := s.Delete(turnKey("sess-1", 2)); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound on second Delete, got %v", err)
		}

		// A deleted key can be written again.
		if err := s.Create(turnKey("sess-1", 2), newTestTurn("sess-1", 2, "again")); err != nil {
			t.Fatalf("Create after Delete: %v", err)
		}
	})
}

func TestListOrderAndPrefix(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		// Insert out of order; List must return key order.
		for _, seq := range []int{3, 1, 10, 2} {
			if err := s.Create(turnKey("sess-a", seq), newTestTurn("sess-a", seq, "a")); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}
		if err := s.Create(turnKey("sess-b", 1), newTestTurn("sess-b", 1, "b")); err != nil {
			t.Fatalf("Create: %v", err)
		}

		objs, err := s.List(ScopePrefix(v1alpha1.KindTurnRecord, "sess-a"), func() interface{} {
			return &v1alpha1.TurnRecord{}
		})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(objs) != 4 {
			t.Fatalf("expected 4 records, got %d", len(objs))
		}

		want := []int{1, 2, 3, 10}
		for i, obj := range objs {
			rec := obj.(*v1alpha1.TurnRecord)
			if rec.Seq != want[i] {
				t.Errorf("record %d: expected seq %d, got %d", i, want[i], rec.Seq)
			}
		}

		all, err := s.List(ScopePrefix(v1alpha1.KindTurnRecord, ""), func() interface{} {
			return &v1alpha1.TurnRecord{}
		})
		if err != nil {
			t.Fatalf("List all: %v", err)
		}
		if len(all) != 5 {
			t.Errorf("expected 5 records across sessions, got %d", len(all))
		}
	})
}

func TestWatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ch, cancel := s.Watch(ScopePrefix(v1alpha1.KindTurnRecord, "sess-1"))
		defer cancel()

		key := turnKey("sess-1", 1)
		rec := newTestTurn("sess-1", 1, "x")
		if err := s.Create(key, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		evt := receiveEvent(t, ch, time.Second)
		if evt.Type != v1alpha1.EventAdded {
			t.Errorf("expected ADDED, got %s", evt.Type)
		}
		if evt.Kind != v1alpha1.KindTurnRecord {
			t.Errorf("expected kind TurnRecord, got %s", evt.Kind)
		}
		if evt.Key != key {
			t.Errorf("expected key %s, got %s", key, evt.Key)
		}

		if err := s.Delete(key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if evt := receiveEvent(t, ch, time.Second); evt.Type != v1alpha1.EventDeleted {
			t.Errorf("expected DELETED, got %s", evt.Type)
		}
	})
}

func TestWatchPrefixFiltering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ch, cancel := s.Watch(ScopePrefix(v1alpha1.KindFileRevision, ""))
		defer cancel()

		if err := s.Create(turnKey("sess-1", 1), newTestTurn("sess-1", 1, "x")); err != nil {
			t.Fatalf("Create: %v", err)
		}

		select {
		case evt := <-ch:
			t.Fatalf("unexpected event for non-matching prefix: %+v", evt)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestWatchCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ch, cancel := s.Watch("/")
		cancel()

		if _, ok := <-ch; ok {
			t.Fatal("expected channel to be closed after cancel")
		}

		// Mutations after cancel must not panic.
		if err := s.Create(turnKey("sess-1", 1), newTestTurn("sess-1", 1, "x")); err != nil {
			t.Fatalf("Create after cancel: %v", err)
		}
	})
}

func TestResourceKey(t *testing.T) {
	tests := []struct {
		kind, scope, name string
		want              string
	}{
		{"TurnRecord", "abc", SeqName(7), "/TurnRecord/abc/00000007"},
		{"FileRevision", "ws", SeqName(12345), "/FileRevision/ws/00012345"},
		{"Agent", "", "CodingAgent", "/Agent//CodingAgent"},
	}

	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			got := ResourceKey(tc.kind, tc.scope, tc.name)
			if got != tc.want {
				t.Errorf("ResourceKey(%q, %q, %q) = %q, want %q",
					tc.kind, tc.scope, tc.name, got, tc.want)
			}
		})
	}
}

func TestScopePrefix(t *testing.T) {
	if got := ScopePrefix("TurnRecord", ""); got != "/TurnRecord/" {
		t.Errorf("ScopePrefix all = %q", got)
	}
	if got := ScopePrefix("TurnRecord", "s1"); got != "/TurnRecord/s1/" {
		t.Errorf("ScopePrefix scoped = %q", got)
	}
}

func TestOpen(t *testing.T) {
	cfg := config.DefaultConfig()

	cfg.Store.Type = "memory"
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", s)
	}
	s.Close()

	cfg.Store.Type = "bolt"
	cfg.Store.DataDir = filepath.Join(t.TempDir(), "nested", "data")
	s, err = Open(cfg)
	if err != nil {
		t.Fatalf("Open bolt: %v", err)
	}
	if _, ok := s.(*BoltStore); !ok {
		t.Errorf("expected *BoltStore, got %T", s)
	}
	s.Close()

	cfg.Store.Type = "etcd"
	if _, err := Open(cfg); err == nil {
		t.Fatal("expected error for unknown store type")
	}
}

func TestClose(t *testing.T) {
	s := NewMemoryStore()
	ch, _ := s.Watch("/")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected watcher channel closed after Close")
	}
}

func TestCancelAfterClose(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ch, cancel := s.Watch("/")
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, ok := <-ch; ok {
			t.Fatal("expected watcher channel closed after Close")
		}
		// Must not close the channel a second time.
		cancel()
	})
}

// receiveEvent waits for one event or fails the test after timeout.
func receiveEvent(t *testing.T, ch <-chan v1alpha1.WatchEvent, timeout time.Duration) v1alpha1.WatchEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed unexpectedly")
		}
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for watch event")
	}
	return v1alpha1.WatchEvent{}
}
