package headless

import (
	"context"
	"sync"
)

// openTab is a live browser tab and the function that closes it.
type openTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// tabPool keeps rendered tabs open, keyed by page URL, so the PDFs linked
// from a page download in the tab that rendered it. The oldest tab is closed
// once more than limit are parked.
type tabPool struct {
	mu    sync.Mutex
	limit int
	keys  []string
	tabs  map[string]openTab
}

func newTabPool(limit int) *tabPool {
	if limit <= 0 {
		limit = 1
	}
	return &tabPool{limit: limit, tabs: make(map[string]openTab)}
}

// park stores tab under key. Dead tabs and tabs parked on a nil pool are closed.
func (p *tabPool) park(key string, tab openTab) {
	if p == nil || tab.ctx.Err() != nil {
		tab.cancel()
		return
	}
	p.mu.Lock()
	var evicted []openTab
	if old, ok := p.tabs[key]; ok {
		evicted = append(evicted, old)
		p.removeLocked(key)
	}
	p.tabs[key] = tab
	p.keys = append(p.keys, key)
	for len(p.keys) > p.limit {
		oldest := p.keys[0]
		evicted = append(evicted, p.tabs[oldest])
		p.removeLocked(oldest)
	}
	p.mu.Unlock()

	for _, t := range evicted {
		t.cancel()
	}
}

// take removes and returns the live tab parked under key.
func (p *tabPool) take(key string) (openTab, bool) {
	if p == nil {
		return openTab{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tab, ok := p.tabs[key]
	if !ok {
		return openTab{}, false
	}
	p.removeLocked(key)
	if tab.ctx.Err() != nil {
		tab.cancel()
		return openTab{}, false
	}
	return tab, true
}

func (p *tabPool) closeAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	tabs := p.tabs
	p.tabs = make(map[string]openTab)
	p.keys = nil
	p.mu.Unlock()
	for _, t := range tabs {
		t.cancel()
	}
}

func (p *tabPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tabs)
}

func (p *tabPool) removeLocked(key string) {
	delete(p.tabs, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			return
		}
	}
}
