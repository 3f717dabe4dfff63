// Package monitor keeps the number of active browser tabs under a fixed
// ceiling by hibernating the least-recently-relevant ones.
//
// A Monitor owns the ordered set of tab ids it believes are not hibernated
// (the tracked set) and reacts to host tab events by updating that set. When
// the set grows past MaxActiveTabs a hibernation pass suspends tabs, oldest
// candidates first, skipping tabs that are playing media and keeping one tab
// alive per special service.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dgnsrekt/tab_hibernator/internal/types"
)

// MaxActiveTabs is the number of tracked tabs a pass reduces the set to.
const MaxActiveTabs = 10

// TabHost is the browser tab API the monitor drives.
type TabHost interface {
	// QueryTabs returns tabs matching the query in host order.
	QueryTabs(ctx context.Context, query types.TabQuery) ([]types.Tab, error)
	// GetTab returns the live descriptor for id, or an error wrapping
	// types.ErrNoSuchTab when the tab no longer exists.
	GetTab(ctx context.Context, id int) (types.Tab, error)
	// DiscardTab suspends the tab while keeping it in the tab strip.
	DiscardTab(ctx context.Context, id int) error
}

// PassObserver receives the result of every completed hibernation pass.
type PassObserver interface {
	ObservePass(ctx context.Context, result PassResult)
}

// Monitor is the tab lifecycle monitor. The zero value is not usable; call New.
type Monitor struct {
	host      TabHost
	observers []PassObserver

	mu       sync.Mutex
	tracked  []int
	lastPass *PassResult
	running  bool
	pending  bool

	// pendingCtx is the context of the latest coalesced trigger. The trailing
	// pass runs on it so cancelling the first caller does not lose the re-check.
	pendingCtx context.Context
}

// New creates a Monitor driving host. Observers are notified after each pass
// in the order given.
func New(host TabHost, observers ...PassObserver) *Monitor {
	return &Monitor{host: host, observers: observers}
}

// Run initializes the tracked set from the host and then handles events one at
// a time, in delivery order, until ctx is done or events is closed.
func (m *Monitor) Run(ctx context.Context, events <-chan types.Event) error {
	if err := m.Initialize(ctx); err != nil {
		// Keep going: later created/updated events rebuild the set.
		slog.Warn("monitor initial query failed, continuing with empty set", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				slog.Info("monitor event stream closed")
				return nil
			}
			m.dispatch(ctx, ev)
		}
	}
}

func (m *Monitor) dispatch(ctx context.Context, ev types.Event) {
	switch ev.Kind {
	case types.TabCreated:
		m.OnTabCreated(ctx, ev.Tab)
	case types.TabRemoved:
		m.OnTabRemoved(ev.TabID)
	case types.TabUpdated:
		m.OnTabUpdated(ctx, ev.TabID, ev.Change, ev.Tab)
	default:
		slog.Debug("monitor ignoring unknown event", "kind", ev.Kind, "tab_id", ev.TabID)
	}
}

// Initialize replaces the tracked set with every non-discarded tab the host
// reports, in host order, then runs a hibernation pass.
func (m *Monitor) Initialize(ctx context.Context) error {
	tabs, err := m.host.QueryTabs(ctx, types.TabQuery{Discarded: false})
	if err != nil {
		slog.Error("monitor query tabs failed", "error", err)
		return fmt.Errorf("query tabs: %w", err)
	}

	ids := make([]int, 0, len(tabs))
	for _, tab := range tabs {
		if tab.Discarded || slices.Contains(ids, tab.ID) {
			continue
		}
		ids = append(ids, tab.ID)
	}

	m.mu.Lock()
	m.tracked = ids
	m.mu.Unlock()

	slog.Info("initial active tabs", "tabs", ids, "count", len(ids))
	m.HibernateIfNeeded(ctx)
	return nil
}

// OnTabCreated starts tracking a newly created tab unless it was created
// discarded, then runs a hibernation pass.
func (m *Monitor) OnTabCreated(ctx context.Context, tab types.Tab) {
	if !tab.Discarded && m.track(tab.ID) {
		slog.Info("tab created", "tab_id", tab.ID)
	}
	m.HibernateIfNeeded(ctx)
}

// OnTabRemoved stops tracking id. Removal never grows the set, so no pass runs.
func (m *Monitor) OnTabRemoved(id int) {
	if m.untrack(id) {
		slog.Info("tab removed", "tab_id", id)
	}
}

// OnTabUpdated re-tracks a tab that finished loading and is not discarded,
// which is how a hibernated tab reloaded by the user comes back.
func (m *Monitor) OnTabUpdated(ctx context.Context, id int, change types.ChangeInfo, tab types.Tab) {
	if change.Status != types.StatusComplete || tab.Discarded {
		return
	}
	if !m.track(id) {
		return
	}
	slog.Info("tab updated and added", "tab_id", id)
	m.HibernateIfNeeded(ctx)
}

// Snapshot returns a copy of the tracked set in insertion order.
func (m *Monitor) Snapshot() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tracked)
}

// LastPass returns the most recent completed pass.
func (m *Monitor) LastPass() (PassResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastPass == nil {
		return PassResult{}, false
	}
	return m.lastPass.clone(), true
}

func (m *Monitor) track(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.tracked, id) {
		return false
	}
	m.tracked = append(m.tracked, id)
	return true
}

func (m *Monitor) untrack(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.tracked)
	m.tracked = slices.DeleteFunc(m.tracked, func(v int) bool { return v == id })
	return len(m.tracked) != n
}

func (m *Monitor) trackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}
