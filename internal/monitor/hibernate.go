package monitor

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// PassResult describes one hibernation pass.
type PassResult struct {
	ID             string           `json:"id"`
	StartedAt      time.Time        `json:"started_at"`
	DurationMS     int64            `json:"duration_ms"`
	TrackedBefore  int              `json:"tracked_before"`
	TrackedAfter   int              `json:"tracked_after"`
	Excess         int              `json:"excess"`
	Hibernated     []int            `json:"hibernated"`
	SkippedPlaying []int            `json:"skipped_playing,omitempty"`
	Groups         map[string][]int `json:"groups,omitempty"`
	// Coalesced is set when the trigger found a pass already running. The
	// running pass re-checks once it finishes; no other field is populated.
	Coalesced bool `json:"coalesced,omitempty"`
}

func (r PassResult) clone() PassResult {
	out := r
	out.Hibernated = slices.Clone(r.Hibernated)
	out.SkippedPlaying = slices.Clone(r.SkippedPlaying)
	if r.Groups != nil {
		out.Groups = make(map[string][]int, len(r.Groups))
		for k, v := range r.Groups {
			out.Groups[k] = slices.Clone(v)
		}
	}
	return out
}

// HibernateIfNeeded runs a hibernation pass when the tracked set exceeds
// MaxActiveTabs. Only one pass runs at a time: a call made while a pass is in
// flight returns a Coalesced result and the running pass checks again when it
// finishes, on the context of the latest coalesced trigger if the original
// one has been cancelled.
func (m *Monitor) HibernateIfNeeded(ctx context.Context) PassResult {
	m.mu.Lock()
	if m.running {
		m.pending = true
		m.pendingCtx = ctx
		m.mu.Unlock()
		slog.Debug("hibernation pass in flight, re-check scheduled")
		return PassResult{Coalesced: true}
	}
	m.running = true
	m.mu.Unlock()

	for {
		result := m.runPass(ctx)

		m.mu.Lock()
		stored := result.clone()
		m.lastPass = &stored
		next := m.takePending(ctx)
		if next == nil {
			m.running = false
		}
		m.mu.Unlock()

		for _, o := range m.observers {
			o.ObservePass(ctx, result.clone())
		}

		if next == nil {
			return result
		}
		ctx = next
		slog.Debug("running trailing hibernation pass")
	}
}

// takePending clears the pending flag and returns the context the trailing
// pass should run on: the latest coalesced trigger's, else the current one.
// It returns nil when nothing is pending or both contexts are cancelled.
// Callers hold m.mu.
func (m *Monitor) takePending(current context.Context) context.Context {
	if !m.pending {
		return nil
	}
	queued := m.pendingCtx
	m.pending = false
	m.pendingCtx = nil
	for _, c := range []context.Context{queued, current} {
		if c != nil && c.Err() == nil {
			return c
		}
	}
	return nil
}

func (m *Monitor) runPass(ctx context.Context) PassResult {
	start := time.Now()
	before := m.Snapshot()
	result := PassResult{
		ID:            uuid.NewString(),
		StartedAt:     start.UTC(),
		TrackedBefore: len(before),
		Hibernated:    []int{},
	}

	slog.Info("checking if hibernation is needed", "pass_id", result.ID, "active_tabs", before)

	if len(before) > MaxActiveTabs {
		result.Excess = len(before) - MaxActiveTabs

		groups := m.groupTabs(ctx, before)
		result.Groups = maps.Clone(groups.members)

		for _, id := range groups.candidates() {
			if len(result.Hibernated) >= result.Excess || m.trackedCount() <= MaxActiveTabs {
				break
			}
			if ctx.Err() != nil {
				slog.Warn("hibernation pass cancelled", "pass_id", result.ID, "error", ctx.Err())
				break
			}

			if m.isTabPlayingMedia(ctx, id) {
				result.SkippedPlaying = append(result.SkippedPlaying, id)
				continue
			}

			// A removal event may have landed while we waited on the host.
			if !m.untrack(id) {
				slog.Debug("candidate no longer tracked", "pass_id", result.ID, "tab_id", id)
				continue
			}
			if err := m.host.DiscardTab(ctx, id); err != nil {
				slog.Warn("discard tab failed", "pass_id", result.ID, "tab_id", id, "error", err)
			}
			result.Hibernated = append(result.Hibernated, id)
			slog.Info("hibernated tab", "pass_id", result.ID, "tab_id", id)
		}
	}

	after := m.Snapshot()
	result.TrackedAfter = len(after)
	result.DurationMS = time.Since(start).Milliseconds()
	slog.Info("active tabs after hibernation",
		"pass_id", result.ID,
		"active_tabs", after,
		"hibernated", len(result.Hibernated),
		"excess", result.Excess,
	)
	return result
}

// isTabPlayingMedia asks the host for the tab's live state. A failed lookup
// counts as not playing, which leaves the tab eligible for hibernation.
func (m *Monitor) isTabPlayingMedia(ctx context.Context, id int) bool {
	tab, err := m.host.GetTab(ctx, id)
	if err != nil {
		slog.Error("error getting tab", "tab_id", id, "error", err)
		return false
	}
	playing := isPlayingMedia(tab.Audible, tab.Status, tab.URL)
	slog.Debug("media check",
		"tab_id", id,
		"audible", tab.Audible,
		"status", tab.Status,
		"url", truncateURL(tab.URL),
		"playing", playing,
	)
	return playing
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
