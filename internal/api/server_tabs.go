package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tab_hibernator/internal/monitor"
	"github.com/dgnsrekt/tab_hibernator/internal/types"
)

type trackedTabsOutput struct {
	Body struct {
		Tracked []int `json:"tracked" doc:"Tracked tab ids, oldest first"`
		Count   int   `json:"count"`
		Limit   int   `json:"limit"`
	}
}

type tabIDInput struct {
	TabID int `path:"tab_id" minimum:"1"`
}

type tabOutput struct {
	Body types.Tab
}

func registerTabHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "list-tracked-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List tracked (non-hibernated) tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*trackedTabsOutput, error) {
			out := &trackedTabsOutput{}
			out.Body.Tracked = svc.Snapshot()
			if out.Body.Tracked == nil {
				out.Body.Tracked = []int{}
			}
			out.Body.Count = len(out.Body.Tracked)
			out.Body.Limit = monitor.MaxActiveTabs
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-tab", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}", Summary: "Probe a tab's live media and load state", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabOutput, error) {
			tab, err := svc.GetTab(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tab}, nil
		})
}

type passOutput struct {
	Body monitor.PassResult
}

func registerPassHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-last-pass", Method: http.MethodGet, Path: "/api/v1/passes/last", Summary: "Result of the most recent hibernation pass", Tags: []string{"Passes"}},
		func(ctx context.Context, input *struct{}) (*passOutput, error) {
			res, ok := svc.LastPass()
			if !ok {
				return nil, huma.Error404NotFound("no hibernation pass has run yet")
			}
			return &passOutput{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "run-pass", Method: http.MethodPost, Path: "/api/v1/passes", Summary: "Run a hibernation pass now", Tags: []string{"Passes"}},
		func(ctx context.Context, input *struct{}) (*passOutput, error) {
			// The pass outlives the request so a client hanging up cannot
			// cancel it halfway or drop a re-check it queued.
			return &passOutput{Body: svc.HibernateIfNeeded(context.WithoutCancel(ctx))}, nil
		})
}
