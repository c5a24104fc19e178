package store

import (
	"strings"
	"sync"

	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// watchBuffer is the per-watcher backlog before events are dropped.
const watchBuffer = 64

// hub fans store mutations out to prefix watchers. Both stores embed one.
type hub struct {
	mu       sync.Mutex
	watchers map[chan v1alpha1.WatchEvent]string // channel -> prefix
}

func (h *hub) watch(prefix string) (<-chan v1alpha1.WatchEvent, func()) {
	ch := make(chan v1alpha1.WatchEvent, watchBuffer)

	h.mu.Lock()
	if h.watchers == nil {
		h.watchers = make(map[chan v1alpha1.WatchEvent]string)
	}
	h.watchers[ch] = prefix
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.watchers[ch]; ok {
			delete(h.watchers, ch)
			close(ch)
		}
	}
}

func (h *hub) publish(typ v1alpha1.EventType, key string, obj interface{}) {
	evt := v1alpha1.WatchEvent{Type: typ, Kind: kindFromKey(key), Key: key, Object: obj}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, prefix := range h.watchers {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers {
		close(ch)
	}
	h.watchers = nil
}

// kindFromKey extracts the kind from a "/{kind}/{scope}/{name}" key.
func kindFromKey(key string) string {
	kind, _, _ := strings.Cut(strings.TrimPrefix(key, "/"), "/")
	return kind
}
