package reconcile

import "sync"

// keyWindow remembers the most recent event keys so redelivered emissions
// are forwarded once.
type keyWindow struct {
	mu    sync.Mutex
	limit int
	keys  map[string]struct{}
	order []string
}

func newKeyWindow(limit int) *keyWindow {
	return &keyWindow{limit: limit, keys: make(map[string]struct{}, limit)}
}

// add records key and reports whether it was new.
func (w *keyWindow) add(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.keys[key]; ok {
		return false
	}
	w.keys[key] = struct{}{}
	w.order = append(w.order, key)
	if len(w.order) > w.limit {
		evict := w.order[0]
		w.order = w.order[1:]
		delete(w.keys, evict)
	}
	return true
}
