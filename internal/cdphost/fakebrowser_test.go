package cdphost

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type cdpCall struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// fakeBrowser serves the DevTools HTTP endpoints and a browser WebSocket
// whose commands are answered by reply. Unhandled commands get an empty result.
type fakeBrowser struct {
	srv   *httptest.Server
	list  string
	reply func(call cdpCall) (any, error)

	mu    sync.Mutex
	conn  net.Conn
	calls []cdpCall
}

func newFakeBrowser(t *testing.T, list string, reply func(cdpCall) (any, error)) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{list: list, reply: reply}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"webSocketDebuggerUrl":"ws://%s/devtools/browser"}`, r.Host)
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, fb.list)
	})
	mux.HandleFunc("/devtools/browser", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()
	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		call := cdpCall{Method: req.Method, SessionID: req.SessionID, Params: req.Params}
		fb.mu.Lock()
		fb.calls = append(fb.calls, call)
		fb.mu.Unlock()

		var result any
		if fb.reply != nil {
			result, err = fb.reply(call)
		}
		resp := map[string]any{"id": req.ID}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		switch {
		case err != nil:
			resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
		case result != nil:
			resp["result"] = result
		default:
			resp["result"] = defaultReply(call)
		}
		fb.write(resp)
	}
}

// defaultReply answers the commands every session setup sends.
func defaultReply(call cdpCall) any {
	switch call.Method {
	case target.CommandAttachToTarget:
		var p struct {
			TargetID string `json:"targetId"`
		}
		json.Unmarshal(call.Params, &p)
		return map[string]string{"sessionId": "s-" + p.TargetID}
	case page.CommandAddScriptToEvaluateOnNewDocument:
		return map[string]string{"identifier": "1"}
	default:
		return struct{}{}
	}
}

func (fb *fakeBrowser) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.conn != nil {
		wsutil.WriteServerText(fb.conn, data)
	}
}

// emit sends an event, on a session when sessionID is set.
func (fb *fakeBrowser) emit(method, sessionID string, params any) {
	msg := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	fb.write(msg)
}

func (fb *fakeBrowser) callsTo(method, sessionID string) []cdpCall {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []cdpCall
	for _, c := range fb.calls {
		if c.Method == method && c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeFrames answers the frame tree, isolated world and evaluate commands
// from a fixed layout: the frames each session hosts (root first) and the
// state each frame reports.
type fakeFrames struct {
	sessions map[string][]string
	states   map[string]mediaProbe

	worlds []string
}

func (f *fakeFrames) reply(call cdpCall) (any, error) {
	switch call.Method {
	case page.CommandGetFrameTree:
		frames, ok := f.sessions[call.SessionID]
		if !ok || len(frames) == 0 {
			return nil, fmt.Errorf("no frames for session %q", call.SessionID)
		}
		children := make([]any, 0, len(frames)-1)
		for _, id := range frames[1:] {
			children = append(children, map[string]any{"frame": map[string]string{"id": id}})
		}
		return map[string]any{"frameTree": map[string]any{
			"frame":       map[string]string{"id": frames[0]},
			"childFrames": children,
		}}, nil

	case page.CommandCreateIsolatedWorld:
		var p struct {
			FrameID   string `json:"frameId"`
			WorldName string `json:"worldName"`
		}
		json.Unmarshal(call.Params, &p)
		if _, ok := f.states[p.FrameID]; !ok {
			return nil, fmt.Errorf("no frame with given id %q", p.FrameID)
		}
		f.worlds = append(f.worlds, p.FrameID)
		return map[string]any{"executionContextId": len(f.worlds)}, nil

	case runtime.CommandEvaluate:
		var p struct {
			ContextID int `json:"contextId"`
		}
		json.Unmarshal(call.Params, &p)
		if p.ContextID < 1 || p.ContextID > len(f.worlds) {
			return nil, fmt.Errorf("cannot find context with specified id %d", p.ContextID)
		}
		value, err := json.Marshal(f.states[f.worlds[p.ContextID-1]])
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": map[string]any{"type": "string", "value": string(value)}}, nil
	}
	return nil, nil
}
