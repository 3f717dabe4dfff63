package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgnsrekt/tab_hibernator/internal/types"
)

type fakeHost struct {
	mu        sync.Mutex
	order     []int
	tabs      map[int]types.Tab
	missing   map[int]bool
	queryErr  error
	getCalls  []int
	discarded []int

	// onGet runs before GetTab answers, outside the host lock.
	onGet func(id int)
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		tabs:    make(map[int]types.Tab),
		missing: make(map[int]bool),
	}
}

func (h *fakeHost) addTab(tab types.Tab) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tab.Status == "" {
		tab.Status = types.StatusComplete
	}
	if tab.URL == "" {
		tab.URL = fmt.Sprintf("https://example.com/%d", tab.ID)
	}
	h.order = append(h.order, tab.ID)
	h.tabs[tab.ID] = tab
}

func (h *fakeHost) addTabs(ids ...int) {
	for _, id := range ids {
		h.addTab(types.Tab{ID: id})
	}
}

func (h *fakeHost) setAudible(id int, audible bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tab := h.tabs[id]
	tab.Audible = audible
	h.tabs[id] = tab
}

func (h *fakeHost) markMissing(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missing[id] = true
}

func (h *fakeHost) QueryTabs(_ context.Context, query types.TabQuery) ([]types.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queryErr != nil {
		return nil, h.queryErr
	}
	var out []types.Tab
	for _, id := range h.order {
		tab := h.tabs[id]
		if tab.Discarded != query.Discarded {
			continue
		}
		out = append(out, tab)
	}
	return out, nil
}

func (h *fakeHost) GetTab(_ context.Context, id int) (types.Tab, error) {
	if h.onGet != nil {
		h.onGet(id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.getCalls = append(h.getCalls, id)
	tab, ok := h.tabs[id]
	if !ok || h.missing[id] {
		return types.Tab{}, fmt.Errorf("tab %d: %w", id, types.ErrNoSuchTab)
	}
	return tab, nil
}

func (h *fakeHost) DiscardTab(_ context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discarded = append(h.discarded, id)
	if tab, ok := h.tabs[id]; ok {
		tab.Discarded = true
		h.tabs[id] = tab
	}
	return nil
}

func (h *fakeHost) discardedIDs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.discarded...)
}

type recordingObserver struct {
	mu      sync.Mutex
	results []PassResult
}

func (o *recordingObserver) ObservePass(_ context.Context, result PassResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.results)
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
