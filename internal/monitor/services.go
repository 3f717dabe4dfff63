package monitor

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/dgnsrekt/tab_hibernator/internal/types"
	"github.com/gobwas/glob"
)

// OthersGroup collects every tab that does not belong to a special service.
const OthersGroup = "others"

const videoServicePrefix = "https://www.youtube.com/"

// Spreadsheets, presentations and the chat assistant keep one tab alive each.
var specialServicePatterns = []glob.Glob{
	glob.MustCompile("*docs.google.com/spreadsheets*"),
	glob.MustCompile("*docs.google.com/presentation*"),
	glob.MustCompile("*chat.openai.com/chat*"),
}

func isPlayingMedia(audible bool, status, rawURL string) bool {
	return audible || (status == types.StatusLoading && strings.HasPrefix(rawURL, videoServicePrefix))
}

func isSpecialServiceURL(rawURL string) bool {
	for _, g := range specialServicePatterns {
		if g.Match(rawURL) {
			return true
		}
	}
	return false
}

// serviceKey returns the URL authority for special-service tabs and
// OthersGroup for everything else.
func serviceKey(rawURL string) string {
	if !isSpecialServiceURL(rawURL) {
		return OthersGroup
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return OthersGroup
	}
	return u.Host
}

// serviceGroups is an insertion-ordered grouping of tab ids by service key.
type serviceGroups struct {
	keys    []string
	members map[string][]int
}

func newServiceGroups() *serviceGroups {
	return &serviceGroups{members: make(map[string][]int)}
}

func (g *serviceGroups) add(key string, id int) {
	if _, ok := g.members[key]; !ok {
		g.keys = append(g.keys, key)
	}
	g.members[key] = append(g.members[key], id)
}

// candidates flattens the groups into hibernation order: every special
// service, minus its first tab when it has more than one, then all of
// OthersGroup. A lone special-service tab stays a candidate.
func (g *serviceGroups) candidates() []int {
	var out []int
	for _, key := range g.keys {
		if key == OthersGroup {
			continue
		}
		ids := g.members[key]
		if len(ids) > 1 {
			out = append(out, ids[1:]...)
		} else {
			out = append(out, ids...)
		}
	}
	return append(out, g.members[OthersGroup]...)
}

// groupTabs fetches each tab's live URL and groups ids by service. A tab whose
// lookup fails lands in OthersGroup.
func (m *Monitor) groupTabs(ctx context.Context, ids []int) *serviceGroups {
	groups := newServiceGroups()
	for _, id := range ids {
		var rawURL string
		tab, err := m.host.GetTab(ctx, id)
		if err != nil {
			slog.Debug("group lookup failed, treating as others", "tab_id", id, "error", err)
		} else {
			rawURL = tab.URL
		}
		groups.add(serviceKey(rawURL), id)
	}
	return groups
}
