// Package cdphost exposes a Chromium browser's page targets as tabs over the
// Chrome DevTools Protocol.
package cdphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tab_hibernator/internal/types"
)

const (
	pageTargetType   = "page"
	iframeTargetType = "iframe"
)

// Host implements the monitor's tab API against a CDP endpoint and publishes
// tab lifecycle events.
type Host struct {
	cdpURL      string
	evalTimeout time.Duration

	cdp      *rawCDP
	registry *TabRegistry

	attachMu sync.Mutex

	eventsMu sync.Mutex
	events   chan types.Event
	closed   bool

	unregister []func()
}

// NewHost returns a Host for the browser at cdpURL. Call Connect before use.
func NewHost(cdpURL string, evalTimeout time.Duration, eventBuffer int) *Host {
	if eventBuffer < 1 {
		eventBuffer = 1
	}
	return &Host{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		registry:    NewTabRegistry(),
		events:      make(chan types.Event, eventBuffer),
	}
}

// Events returns the tab event stream. It is closed by Close or when the CDP
// connection drops.
func (h *Host) Events() <-chan types.Event {
	return h.events
}

// Connect dials the browser, registers the existing page targets and turns on
// target discovery. Targets present at connect time produce no Created events.
func (h *Host) Connect(ctx context.Context) error {
	if h.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdphost connect start", "cdp_url", h.cdpURL)
	h.cdp = newRawCDP(h.cdpURL)
	h.cdp.onDisconnect = func(err error) {
		slog.Warn("cdphost connection lost", "error", err)
		h.closeEvents()
	}
	if err := h.cdp.connect(ctx); err != nil {
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	if _, err := h.syncTargets(ctx); err != nil {
		h.cdp.close()
		return err
	}

	h.unregister = append(h.unregister,
		h.cdp.registerEventHandler(cdproto.EventTargetTargetCreated, h.onTargetCreated),
		h.cdp.registerEventHandler(cdproto.EventTargetTargetDestroyed, h.onTargetDestroyed),
		h.cdp.registerEventHandler(cdproto.EventTargetTargetInfoChanged, h.onTargetInfoChanged),
		h.cdp.registerEventHandler(cdproto.EventPageFrameStartedLoading, h.onFrameStartedLoading),
		h.cdp.registerEventHandler(cdproto.EventPageLoadEventFired, h.onLoadEventFired),
		h.cdp.registerEventHandler(cdproto.EventTargetAttachedToTarget, h.onAttachedToTarget),
		h.cdp.registerEventHandler(cdproto.EventTargetDetachedFromTarget, h.onDetachedFromTarget),
	)

	if err := h.cdp.setDiscoverTargets(ctx, true); err != nil {
		h.cdp.close()
		return newError(CodeCDPUnavailable, "enable target discovery failed", err)
	}

	for _, e := range h.registry.All() {
		h.attachAsync(e.ID)
	}

	slog.Info("cdphost connect ok", "cdp_url", h.cdpURL, "tabs", h.registry.Count())
	return nil
}

// Close detaches every session and closes the connection and event stream.
func (h *Host) Close() error {
	for _, fn := range h.unregister {
		fn()
	}
	h.unregister = nil

	if h.cdp != nil && h.cdp.connected() {
		for _, sessionID := range h.registry.Sessions() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := h.cdp.detachFromTarget(ctx, sessionID); err != nil {
				slog.Debug("detach cleanup failed", "session_id", sessionID, "error", err)
			}
			cancel()
		}
		h.cdp.close()
	}
	h.closeEvents()
	slog.Info("cdphost closed")
	return nil
}

// QueryTabs lists page targets in browser order, filtered by discarded state.
func (h *Host) QueryTabs(ctx context.Context, query types.TabQuery) ([]types.Tab, error) {
	entries, err := h.syncTargets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Tab, 0, len(entries))
	for _, e := range entries {
		if e.Discarded != query.Discarded {
			continue
		}
		out = append(out, e.tab())
	}
	return out, nil
}

// GetTab checks every frame of the page, out-of-process iframes included, for
// audible media or a running AudioContext, and refreshes the load state from
// the main frame. Discarded tabs are answered from the registry without waking
// the page.
func (h *Host) GetTab(ctx context.Context, id int) (types.Tab, error) {
	entry, ok := h.registry.Get(id)
	if !ok {
		return types.Tab{}, notFound(id, nil)
	}
	if entry.Discarded {
		return entry.tab(), nil
	}

	evalCtx, cancel := context.WithTimeout(ctx, h.evalTimeout)
	defer cancel()

	sessionID, err := h.ensureSession(evalCtx, entry)
	if err != nil {
		return types.Tab{}, err
	}

	states, err := h.frameStates(evalCtx, sessionID)
	if err != nil {
		return types.Tab{}, evalError(id, err)
	}
	main := states[0]
	audible := slices.ContainsFunc(states, mediaProbe.playing)

	if current, ok := h.registry.Get(id); ok {
		for _, child := range current.FrameSessions {
			if audible {
				break
			}
			childStates, err := h.frameStates(evalCtx, child)
			if err != nil {
				if evalCtx.Err() != nil {
					return types.Tab{}, evalError(id, err)
				}
				// The iframe may have navigated or detached meanwhile.
				slog.Debug("cdphost iframe media check failed", "tab_id", id, "session_id", child, "error", err)
				continue
			}
			audible = slices.ContainsFunc(childStates, mediaProbe.playing)
		}
	}

	h.registry.SetStatus(id, main.status(), main.URL)
	entry, ok = h.registry.Get(id)
	if !ok {
		return types.Tab{}, notFound(id, nil)
	}
	tab := entry.tab()
	tab.Audible = audible
	return tab, nil
}

// frameStates reads the media state of every frame the session hosts, main
// frame first, each in an isolated world so page scripts cannot interfere.
// Only a failure on the main frame is an error; sub-frames that vanish
// mid-check are skipped.
func (h *Host) frameStates(ctx context.Context, sessionID string) ([]mediaProbe, error) {
	frames, err := h.cdp.frameIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]mediaProbe, 0, len(frames))
	for i, frameID := range frames {
		state, err := h.frameState(ctx, sessionID, frameID)
		if err != nil {
			if i == 0 || ctx.Err() != nil {
				return nil, err
			}
			slog.Debug("cdphost frame media check failed", "session_id", sessionID, "frame_id", frameID, "error", err)
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

func (h *Host) frameState(ctx context.Context, sessionID string, frameID cdp.FrameID) (mediaProbe, error) {
	contextID, err := h.cdp.createIsolatedWorld(ctx, sessionID, frameID, mediaWorldName)
	if err != nil {
		return mediaProbe{}, err
	}
	raw, err := h.cdp.evaluateIn(ctx, sessionID, contextID, jsFrameMediaState)
	if err != nil {
		return mediaProbe{}, err
	}
	return parseMediaProbe(raw)
}

func evalError(id int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeEvalTimeout, fmt.Sprintf("media check on tab %d timed out", id), err)
	}
	return newError(CodeEvalFailure, fmt.Sprintf("media check on tab %d failed", id), err)
}

// DiscardTab freezes the page. The target stays in the tab strip.
func (h *Host) DiscardTab(ctx context.Context, id int) error {
	entry, ok := h.registry.Get(id)
	if !ok {
		return notFound(id, nil)
	}
	if entry.Discarded {
		return nil
	}

	discardCtx, cancel := context.WithTimeout(ctx, h.evalTimeout)
	defer cancel()

	sessionID, err := h.ensureSession(discardCtx, entry)
	if err != nil {
		return err
	}
	if err := h.cdp.setLifecycleState(discardCtx, sessionID, page.SetWebLifecycleStateStateFrozen); err != nil {
		return newError(CodeEvalFailure, fmt.Sprintf("freeze tab %d failed", id), err)
	}
	h.registry.SetDiscarded(id, true)
	slog.Debug("cdphost froze tab", "tab_id", id, "target_id", entry.TargetID)
	return nil
}

// syncTargets refreshes the registry from /json/list and returns the page
// targets in browser order.
func (h *Host) syncTargets(ctx context.Context) ([]TabEntry, error) {
	if h.cdp == nil {
		return nil, newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := h.cdp.listTargets(ctx)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	keep := make(map[target.ID]struct{}, len(targets))
	entries := make([]TabEntry, 0, len(targets))
	for _, t := range targets {
		if t.Type != pageTargetType {
			continue
		}
		keep[t.TargetID] = struct{}{}
		e, _ := h.registry.Register(t.TargetID, t.URL, t.Title)
		entries = append(entries, e)
	}

	for _, gone := range h.registry.Retain(keep) {
		slog.Debug("cdphost dropped vanished target", "tab_id", gone.ID, "target_id", gone.TargetID)
	}

	slog.Debug("cdphost tab sync", "targets", len(targets), "tabs", len(entries))
	return entries, nil
}

// ensureSession returns the tab's flat session, attaching and enabling the
// Page domain on first use.
func (h *Host) ensureSession(ctx context.Context, entry TabEntry) (string, error) {
	h.attachMu.Lock()
	defer h.attachMu.Unlock()

	if current, ok := h.registry.Get(entry.ID); ok && current.SessionID != "" {
		return current.SessionID, nil
	} else if !ok {
		return "", notFound(entry.ID, nil)
	}

	sessionID, err := h.cdp.attachToTarget(ctx, entry.TargetID)
	if err != nil {
		if isNoTargetErr(err) {
			h.registry.Remove(entry.TargetID)
			return "", notFound(entry.ID, err)
		}
		return "", newError(CodeCDPUnavailable, fmt.Sprintf("attach to tab %d failed", entry.ID), err)
	}
	h.registry.SetSession(entry.ID, sessionID)

	if err := h.cdp.enablePageDomain(ctx, sessionID); err != nil {
		slog.Warn("cdphost page enable failed", "tab_id", entry.ID, "error", err)
	}
	h.watchFrames(ctx, entry.ID, sessionID)
	return sessionID, nil
}

// watchFrames installs the AudioContext tracker and auto-attaches the
// session's out-of-process iframes. Failures only narrow what GetTab sees.
func (h *Host) watchFrames(ctx context.Context, id int, sessionID string) {
	if err := h.cdp.addScriptOnNewDocument(ctx, sessionID, jsAudioContextTracker); err != nil {
		slog.Debug("cdphost audio tracker install failed", "tab_id", id, "session_id", sessionID, "error", err)
	}
	if err := h.cdp.setAutoAttach(ctx, sessionID); err != nil {
		slog.Debug("cdphost iframe auto-attach failed", "tab_id", id, "session_id", sessionID, "error", err)
	}
}

// attachAsync attaches off the read loop; the read loop must stay free to
// deliver the attach reply.
func (h *Host) attachAsync(id int) {
	go func() {
		entry, ok := h.registry.Get(id)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.evalTimeout)
		defer cancel()
		if _, err := h.ensureSession(ctx, entry); err != nil {
			slog.Debug("cdphost attach failed", "tab_id", id, "error", err)
		}
	}()
}

func (h *Host) onTargetCreated(_ string, params json.RawMessage) {
	var ev target.EventTargetCreated
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetInfo == nil {
		return
	}
	info := ev.TargetInfo
	if info.Type != pageTargetType {
		return
	}
	entry, created := h.registry.Register(info.TargetID, info.URL, info.Title)
	if !created {
		return
	}
	slog.Debug("cdphost target created", "tab_id", entry.ID, "target_id", info.TargetID, "url", info.URL)
	h.emit(types.Event{Kind: types.TabCreated, TabID: entry.ID, Tab: entry.tab()})
	h.attachAsync(entry.ID)
}

func (h *Host) onTargetDestroyed(_ string, params json.RawMessage) {
	var ev target.EventTargetDestroyed
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	id, ok := h.registry.Remove(ev.TargetID)
	if !ok {
		return
	}
	slog.Debug("cdphost target destroyed", "tab_id", id, "target_id", ev.TargetID)
	h.emit(types.Event{Kind: types.TabRemoved, TabID: id})
}

func (h *Host) onTargetInfoChanged(_ string, params json.RawMessage) {
	var ev target.EventTargetInfoChanged
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetInfo == nil {
		return
	}
	if _, ok := h.registry.GetByTarget(ev.TargetInfo.TargetID); !ok {
		return
	}
	h.registry.Register(ev.TargetInfo.TargetID, ev.TargetInfo.URL, ev.TargetInfo.Title)
}

func (h *Host) onAttachedToTarget(parentSession string, params json.RawMessage) {
	var ev struct {
		SessionID  string `json:"sessionId"`
		TargetInfo struct {
			TargetID target.ID `json:"targetId"`
			Type     string    `json:"type"`
			URL      string    `json:"url"`
		} `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &ev); err != nil || ev.SessionID == "" {
		return
	}
	// Browser-level attaches have no parent session and are handled by
	// ensureSession.
	if parentSession == "" || ev.TargetInfo.Type != iframeTargetType {
		return
	}
	id, ok := h.registry.AddFrameSession(parentSession, ev.SessionID)
	if !ok {
		return
	}
	slog.Debug("cdphost iframe attached", "tab_id", id, "session_id", ev.SessionID, "url", ev.TargetInfo.URL)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.evalTimeout)
		defer cancel()
		h.watchFrames(ctx, id, ev.SessionID)
	}()
}

func (h *Host) onDetachedFromTarget(_ string, params json.RawMessage) {
	var ev struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	if id, ok := h.registry.RemoveFrameSession(ev.SessionID); ok {
		slog.Debug("cdphost iframe detached", "tab_id", id, "session_id", ev.SessionID)
	}
}

func (h *Host) onFrameStartedLoading(sessionID string, params json.RawMessage) {
	var ev page.EventFrameStartedLoading
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	entry, ok := h.registry.GetBySession(sessionID)
	// The main frame shares its id with the page target.
	if !ok || string(ev.FrameID) != string(entry.TargetID) {
		return
	}
	// A new document replaces the frozen one.
	h.registry.SetDiscarded(entry.ID, false)
	h.registry.SetStatus(entry.ID, types.StatusLoading, "")
	entry, _ = h.registry.Get(entry.ID)
	h.emit(types.Event{
		Kind:   types.TabUpdated,
		TabID:  entry.ID,
		Tab:    entry.tab(),
		Change: types.ChangeInfo{Status: types.StatusLoading},
	})
}

func (h *Host) onLoadEventFired(sessionID string, _ json.RawMessage) {
	entry, ok := h.registry.GetBySession(sessionID)
	if !ok {
		return
	}
	h.registry.SetDiscarded(entry.ID, false)
	h.registry.SetStatus(entry.ID, types.StatusComplete, "")
	entry, _ = h.registry.Get(entry.ID)
	h.emit(types.Event{
		Kind:   types.TabUpdated,
		TabID:  entry.ID,
		Tab:    entry.tab(),
		Change: types.ChangeInfo{Status: types.StatusComplete},
	})
}

// emit queues an event without blocking the read loop.
func (h *Host) emit(ev types.Event) {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		slog.Warn("cdphost event buffer full, dropping event", "kind", ev.Kind, "tab_id", ev.TabID)
	}
}

func (h *Host) closeEvents() {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.events)
}

func notFound(id int, cause error) error {
	if cause == nil {
		cause = types.ErrNoSuchTab
	} else {
		cause = fmt.Errorf("%w: %v", types.ErrNoSuchTab, cause)
	}
	return newError(CodeTabNotFound, fmt.Sprintf("tab %d not found", id), cause)
}

func isNoTargetErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no target with given id") || strings.Contains(msg, "target closed")
}
