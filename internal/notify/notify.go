package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/tab_hibernator/internal/monitor"
)

const sendTimeout = 10 * time.Second

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return errors.New("ntfy endpoint is empty")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// PassNotifier posts a summary of every pass that hibernated at least one tab.
type PassNotifier struct {
	client   *http.Client
	endpoint string
}

func NewPassNotifier(client *http.Client, endpoint string) *PassNotifier {
	return &PassNotifier{client: client, endpoint: endpoint}
}

func (n *PassNotifier) ObservePass(ctx context.Context, res monitor.PassResult) {
	if len(res.Hibernated) == 0 {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := Send(sendCtx, n.client, n.endpoint, passMessage(res)); err != nil {
		slog.Warn("pass notification failed", "pass_id", res.ID, "error", err)
	}
}

func passMessage(res monitor.PassResult) string {
	ids := make([]string, len(res.Hibernated))
	for i, id := range res.Hibernated {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("hibernated %d tab(s): ids %s (tracked %d -> %d)",
		len(res.Hibernated), strings.Join(ids, ", "), res.TrackedBefore, res.TrackedAfter)
}
