package cdphost

import (
	"slices"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tab_hibernator/internal/types"
)

// TabEntry is the registry view of one page target.
type TabEntry struct {
	ID        int
	TargetID  target.ID
	URL       string
	Title     string
	Status    string
	Discarded bool
	SessionID string
	// FrameSessions are the flat sessions of the tab's out-of-process
	// iframes, nested ones included.
	FrameSessions []string
}

func (e *TabEntry) clone() TabEntry {
	out := *e
	out.FrameSessions = slices.Clone(e.FrameSessions)
	return out
}

func (e TabEntry) tab() types.Tab {
	return types.Tab{
		ID:        e.ID,
		URL:       e.URL,
		Title:     e.Title,
		Status:    e.Status,
		Discarded: e.Discarded,
	}
}

// TabRegistry maps CDP target IDs to stable integer tab ids and per-tab state.
// Ids are never reused within a process.
type TabRegistry struct {
	mu        sync.RWMutex
	nextID    int
	byTarget  map[target.ID]*TabEntry
	byID      map[int]*TabEntry
	bySession map[string]*TabEntry
	byFrame   map[string]*TabEntry
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		byTarget:  make(map[target.ID]*TabEntry),
		byID:      make(map[int]*TabEntry),
		bySession: make(map[string]*TabEntry),
		byFrame:   make(map[string]*TabEntry),
	}
}

// Register records a target, returning its entry and whether it was new.
// Known targets get their URL and title refreshed.
func (r *TabRegistry) Register(targetID target.ID, url, title string) (TabEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byTarget[targetID]; ok {
		e.URL = url
		e.Title = title
		return e.clone(), false
	}

	r.nextID++
	e := &TabEntry{
		ID:       r.nextID,
		TargetID: targetID,
		URL:      url,
		Title:    title,
		Status:   types.StatusComplete,
	}
	r.byTarget[targetID] = e
	r.byID[e.ID] = e
	return e.clone(), true
}

func (r *TabRegistry) Get(id int) (TabEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return TabEntry{}, false
	}
	return e.clone(), true
}

func (r *TabRegistry) GetByTarget(targetID target.ID) (TabEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byTarget[targetID]
	if !ok {
		return TabEntry{}, false
	}
	return e.clone(), true
}

func (r *TabRegistry) GetBySession(sessionID string) (TabEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySession[sessionID]
	if !ok {
		return TabEntry{}, false
	}
	return e.clone(), true
}

// Remove forgets a target and returns the tab id it had.
func (r *TabRegistry) Remove(targetID target.ID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTarget[targetID]
	if !ok {
		return 0, false
	}
	r.removeLocked(e)
	return e.ID, true
}

// Retain drops every target not in keep and returns the dropped entries.
func (r *TabRegistry) Retain(keep map[target.ID]struct{}) []TabEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []TabEntry
	for targetID, e := range r.byTarget {
		if _, ok := keep[targetID]; ok {
			continue
		}
		dropped = append(dropped, e.clone())
		r.removeLocked(e)
	}
	return dropped
}

func (r *TabRegistry) removeLocked(e *TabEntry) {
	delete(r.byTarget, e.TargetID)
	delete(r.byID, e.ID)
	if e.SessionID != "" {
		delete(r.bySession, e.SessionID)
	}
	r.dropFramesLocked(e)
}

func (r *TabRegistry) dropFramesLocked(e *TabEntry) {
	for _, s := range e.FrameSessions {
		delete(r.byFrame, s)
	}
	e.FrameSessions = nil
}

func (r *TabRegistry) SetSession(id int, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return
	}
	if e.SessionID != "" {
		delete(r.bySession, e.SessionID)
	}
	// Child sessions die with their parent.
	r.dropFramesLocked(e)
	e.SessionID = sessionID
	if sessionID != "" {
		r.bySession[sessionID] = e
	}
}

func (r *TabRegistry) SetDiscarded(id int, discarded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.Discarded = discarded
	}
}

func (r *TabRegistry) SetStatus(id int, status, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return
	}
	e.Status = status
	if url != "" {
		e.URL = url
	}
}

// All returns every entry ordered by tab id.
func (r *TabRegistry) All() []TabEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TabEntry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns every attached session id.
func (r *TabRegistry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySession))
	for id := range r.bySession {
		out = append(out, id)
	}
	return out
}

// AddFrameSession records child as an iframe session of the tab that owns
// parent, which is either the tab's page session or another of its iframe
// sessions. It returns the owning tab id.
func (r *TabRegistry) AddFrameSession(parent, child string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySession[parent]
	if !ok {
		e, ok = r.byFrame[parent]
	}
	if !ok {
		return 0, false
	}
	if _, dup := r.byFrame[child]; !dup {
		e.FrameSessions = append(e.FrameSessions, child)
		r.byFrame[child] = e
	}
	return e.ID, true
}

// RemoveFrameSession forgets an iframe session and returns the tab it
// belonged to.
func (r *TabRegistry) RemoveFrameSession(child string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byFrame[child]
	if !ok {
		return 0, false
	}
	delete(r.byFrame, child)
	e.FrameSessions = slices.DeleteFunc(e.FrameSessions, func(s string) bool { return s == child })
	return e.ID, true
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
