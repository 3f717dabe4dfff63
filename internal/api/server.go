package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tab_hibernator/internal/cdphost"
	"github.com/dgnsrekt/tab_hibernator/internal/monitor"
	"github.com/dgnsrekt/tab_hibernator/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is what the status API reads from and triggers.
type Service interface {
	Snapshot() []int
	LastPass() (monitor.PassResult, bool)
	HibernateIfNeeded(ctx context.Context) monitor.PassResult
	GetTab(ctx context.Context, id int) (types.Tab, error)
}

// NewServer returns the status API handler backed by svc.
func NewServer(svc Service) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Tab Hibernator Status API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	registerTabHandlers(api, svc)
	registerPassHandlers(api, svc)
	registerMiscHandlers(api)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdphost.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdphost.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdphost.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdphost.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, types.ErrNoSuchTab) {
		return huma.Error404NotFound(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
