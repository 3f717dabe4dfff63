package cdphost

import (
	"slices"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tab_hibernator/internal/types"
)

func TestRegistryAssignsStableIDs(t *testing.T) {
	r := NewTabRegistry()

	a, created := r.Register("target-a", "https://a.test/", "A")
	if !created || a.ID != 1 {
		t.Fatalf("first register = (%d, %v), want (1, true)", a.ID, created)
	}
	b, created := r.Register("target-b", "https://b.test/", "B")
	if !created || b.ID != 2 {
		t.Fatalf("second register = (%d, %v), want (2, true)", b.ID, created)
	}

	again, created := r.Register("target-a", "https://a.test/next", "A2")
	if created {
		t.Fatal("re-register reported a new entry")
	}
	if again.ID != 1 || again.URL != "https://a.test/next" || again.Title != "A2" {
		t.Fatalf("re-register entry = %+v", again)
	}
	if again.Status != types.StatusComplete {
		t.Fatalf("default status = %q, want %q", again.Status, types.StatusComplete)
	}
}

func TestRegistryNeverReusesIDs(t *testing.T) {
	r := NewTabRegistry()
	r.Register("target-a", "", "")
	if _, ok := r.Remove("target-a"); !ok {
		t.Fatal("remove of known target failed")
	}
	if _, ok := r.Remove("target-a"); ok {
		t.Fatal("second remove should report unknown target")
	}

	e, _ := r.Register("target-a", "", "")
	if e.ID != 2 {
		t.Fatalf("id after re-creation = %d, want 2", e.ID)
	}
}

func TestRegistryRetainDropsMissingTargets(t *testing.T) {
	r := NewTabRegistry()
	r.Register("target-a", "", "")
	b, _ := r.Register("target-b", "", "")
	r.Register("target-c", "", "")
	r.SetSession(b.ID, "session-b")

	dropped := r.Retain(map[target.ID]struct{}{"target-a": {}, "target-c": {}})
	if len(dropped) != 1 || dropped[0].TargetID != "target-b" {
		t.Fatalf("dropped = %+v, want only target-b", dropped)
	}
	if _, ok := r.GetBySession("session-b"); ok {
		t.Fatal("session of dropped target still indexed")
	}

	all := r.All()
	if len(all) != 2 || all[0].ID != 1 || all[1].ID != 3 {
		t.Fatalf("All() = %+v, want ids [1 3]", all)
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
}

func TestRegistrySessionIndex(t *testing.T) {
	r := NewTabRegistry()
	e, _ := r.Register("target-a", "", "")

	r.SetSession(e.ID, "session-1")
	r.SetSession(e.ID, "session-2")

	if _, ok := r.GetBySession("session-1"); ok {
		t.Fatal("stale session still indexed")
	}
	got, ok := r.GetBySession("session-2")
	if !ok || got.ID != e.ID {
		t.Fatalf("GetBySession(session-2) = (%+v, %v)", got, ok)
	}
	if s := r.Sessions(); len(s) != 1 || s[0] != "session-2" {
		t.Fatalf("Sessions() = %v, want [session-2]", s)
	}
}

func TestRegistrySetStatusKeepsURLWhenEmpty(t *testing.T) {
	r := NewTabRegistry()
	e, _ := r.Register("target-a", "https://a.test/", "")

	r.SetStatus(e.ID, types.StatusLoading, "")
	got, _ := r.Get(e.ID)
	if got.Status != types.StatusLoading || got.URL != "https://a.test/" {
		t.Fatalf("entry = %+v", got)
	}

	r.SetStatus(e.ID, types.StatusComplete, "https://a.test/moved")
	got, _ = r.Get(e.ID)
	if got.Status != types.StatusComplete || got.URL != "https://a.test/moved" {
		t.Fatalf("entry = %+v", got)
	}
}

func TestRegistryFrameSessions(t *testing.T) {
	r := NewTabRegistry()
	e, _ := r.Register("target-a", "", "")
	r.SetSession(e.ID, "page-1")

	if _, ok := r.AddFrameSession("unknown", "frame-x"); ok {
		t.Fatal("frame attached to an unknown parent")
	}
	if id, ok := r.AddFrameSession("page-1", "frame-1"); !ok || id != e.ID {
		t.Fatalf("AddFrameSession(page-1) = (%d, %v)", id, ok)
	}
	// A nested iframe reports its parent iframe's session.
	if id, ok := r.AddFrameSession("frame-1", "frame-2"); !ok || id != e.ID {
		t.Fatalf("AddFrameSession(frame-1) = (%d, %v)", id, ok)
	}
	r.AddFrameSession("page-1", "frame-1")

	got, _ := r.Get(e.ID)
	if !slices.Equal(got.FrameSessions, []string{"frame-1", "frame-2"}) {
		t.Fatalf("FrameSessions = %v", got.FrameSessions)
	}
	got.FrameSessions[0] = "mutated"
	if again, _ := r.Get(e.ID); again.FrameSessions[0] != "frame-1" {
		t.Fatal("Get returned shared frame session storage")
	}

	if id, ok := r.RemoveFrameSession("frame-1"); !ok || id != e.ID {
		t.Fatalf("RemoveFrameSession = (%d, %v)", id, ok)
	}
	if _, ok := r.RemoveFrameSession("frame-1"); ok {
		t.Fatal("frame session removed twice")
	}

	// Re-attaching the page drops the children of the old session.
	r.SetSession(e.ID, "page-2")
	if got, _ := r.Get(e.ID); len(got.FrameSessions) != 0 {
		t.Fatalf("FrameSessions after reattach = %v", got.FrameSessions)
	}
	if _, ok := r.AddFrameSession("frame-2", "frame-3"); ok {
		t.Fatal("stale frame session still indexed")
	}
}
