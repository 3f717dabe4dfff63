package types

import "errors"

// Tab status values reported by the host.
const (
	StatusLoading  = "loading"
	StatusComplete = "complete"
)

// ErrNoSuchTab is returned by a host when a tab id no longer exists.
var ErrNoSuchTab = errors.New("no such tab")

// Tab is a host tab descriptor.
type Tab struct {
	ID        int    `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Audible   bool   `json:"audible"`
	Status    string `json:"status"`
	Discarded bool   `json:"discarded"`
}

// TabQuery filters QueryTabs results.
type TabQuery struct {
	Discarded bool
}

// ChangeInfo describes what changed in a tab update event.
type ChangeInfo struct {
	Status string `json:"status,omitempty"`
	URL    string `json:"url,omitempty"`
}

// EventKind identifies a host tab event.
type EventKind int

const (
	TabCreated EventKind = iota + 1
	TabRemoved
	TabUpdated
)

func (k EventKind) String() string {
	switch k {
	case TabCreated:
		return "created"
	case TabRemoved:
		return "removed"
	case TabUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Event is a tab lifecycle event delivered by the host, one at a time, in
// the host's dispatch order.
type Event struct {
	Kind   EventKind
	TabID  int
	Tab    Tab        // set for TabCreated and TabUpdated
	Change ChangeInfo // set for TabUpdated
}
