package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"oyamarket/core/events"
	"oyamarket/core/state"
	"oyamarket/gateway/middleware"
	"oyamarket/native/escrow"
	"oyamarket/services/indexer"
)

// OrderIndex serves historical order queries from the relational projection.
type OrderIndex interface {
	Orders(ctx context.Context, q indexer.Query) ([]indexer.OrderRow, error)
	Order(ctx context.Context, id string) (*indexer.OrderRow, error)
	History(ctx context.Context, orderID string) ([]indexer.EventRow, error)
}

type Config struct {
	State         *state.Manager
	Controller    *escrow.Controller
	Stream        *events.Stream
	Index         OrderIndex
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Idempotency   *middleware.Idempotency
	Logger        *slog.Logger
	// Ready reports whether the node can serve traffic. Nil means always.
	Ready func() error
}

// Rate limit groups applied to the API route families.
const (
	RateLimitTokens = "tokens"
	RateLimitOrders = "orders"
	RateLimitEvents = "events"
)

type api struct {
	state  *state.Manager
	ctrl   *escrow.Controller
	stream *events.Stream
	index  OrderIndex
	logger *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.State == nil {
		return nil, errors.New("routes: state manager required")
	}
	if cfg.Controller == nil {
		return nil, errors.New("routes: controller required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{state: cfg.State, ctrl: cfg.Controller, stream: cfg.Stream, index: cfg.Index, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	r.Use(auth.Middleware)

	limit := func(group string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return passthrough
		}
		return cfg.RateLimiter.Middleware(group)
	}
	idempotent := passthrough
	if cfg.Idempotency != nil {
		idempotent = cfg.Idempotency.Middleware
	}
	mutating := func(sr chi.Router) chi.Router {
		return sr.With(middleware.RequireCaller, idempotent)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/tokens", func(sr chi.Router) {
			sr.Use(limit(RateLimitTokens))
			sr.Get("/", a.handleTokenList)
			mutating(sr).Post("/", a.handleTokenDeploy)
			sr.Route("/{token}", func(tr chi.Router) {
				tr.Get("/", a.handleTokenGet)
				tr.Get("/balances/{owner}", a.handleBalance)
				tr.Get("/allowances/{owner}/{spender}", a.handleAllowance)
				mutating(tr).Post("/mint", a.handleMint)
				mutating(tr).Post("/transfer", a.handleTransfer)
				mutating(tr).Post("/approve", a.handleApprove)
				mutating(tr).Post("/roles", a.handleRoles)
			})
		})

		v1.Route("/controller", func(sr chi.Router) {
			sr.Use(limit(RateLimitOrders))
			sr.Get("/", a.handleControllerGet)
			mutating(sr).Put("/{field}", a.handleControllerConfigure)
		})

		v1.Route("/orders", func(sr chi.Router) {
			sr.Use(limit(RateLimitOrders))
			sr.Get("/", a.handleOrderList)
			mutating(sr).Post("/", a.handleOrderCreate)
			sr.Route("/{id}", func(or chi.Router) {
				or.Get("/", a.handleOrderGet)
				or.Get("/tracking", a.handleTrackingGet)
				mutating(or).Post("/tracking", a.handleTrackingSet)
				mutating(or).Post("/cancel", a.handleOrderAction(escrow.OpCancelOrder))
				mutating(or).Post("/accept", a.handleOrderAction(escrow.OpAcceptOrder))
				mutating(or).Post("/accept-item", a.handleOrderAction(escrow.OpAcceptItem))
				mutating(or).Post("/refund", a.handleOrderAction(escrow.OpDemandRefund))
				mutating(or).Post("/settle", a.handleSettle)
			})
		})

		if a.index != nil {
			v1.Route("/index/orders", func(sr chi.Router) {
				sr.Use(limit(RateLimitOrders))
				sr.Get("/", a.handleIndexOrders)
				sr.Get("/{id}", a.handleIndexOrder)
				sr.Get("/{id}/history", a.handleIndexHistory)
			})
		}

		if a.stream != nil {
			v1.With(limit(RateLimitEvents)).Get("/events", a.handleEventHistory)
			v1.With(limit(RateLimitEvents)).Get("/events/ws", a.handleEventStream)
		}
	})

	var handler http.Handler = r
	if obs != nil {
		handler = obs.Trace(handler)
	}
	return handler, nil
}

func passthrough(next http.Handler) http.Handler { return next }
