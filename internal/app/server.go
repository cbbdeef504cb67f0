package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nimbushq/aigov/internal/breaker"
	"github.com/nimbushq/aigov/internal/budget"
	"github.com/nimbushq/aigov/internal/costtrack"
	"github.com/nimbushq/aigov/internal/events"
	"github.com/nimbushq/aigov/internal/fallback"
	"github.com/nimbushq/aigov/internal/httpapi"
	"github.com/nimbushq/aigov/internal/identity"
	"github.com/nimbushq/aigov/internal/jobs"
	"github.com/nimbushq/aigov/internal/metrics"
	"github.com/nimbushq/aigov/internal/pricing"
	"github.com/nimbushq/aigov/internal/providers"
	"github.com/nimbushq/aigov/internal/providers/anthropic"
	"github.com/nimbushq/aigov/internal/providers/google"
	"github.com/nimbushq/aigov/internal/providers/openai"
	"github.com/nimbushq/aigov/internal/ratelimit"
	"github.com/nimbushq/aigov/internal/router"
	"github.com/nimbushq/aigov/internal/routing"
	"github.com/nimbushq/aigov/internal/sso"
	"github.com/nimbushq/aigov/internal/store"
	"github.com/nimbushq/aigov/internal/temporal"
	"github.com/nimbushq/aigov/internal/tracing"
)

// Server owns every long-lived component and their shutdown order.
type Server struct {
	cfg Config
	log *slog.Logger

	st        *store.SQLiteStore
	bus       *events.Bus
	limiter   *ratelimit.Limiter
	httpSrv   *http.Server
	temporal  *temporal.Manager
	cron      *temporal.CronScheduler
	alertSub  *events.Subscriber
	traceStop func(context.Context) error
}

// New wires the full service. Nothing starts running until Start.
func New(cfg Config, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	traceStop, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := metrics.New()
	bus := events.NewBus()

	signer := identity.NewSessionSigner([]byte(cfg.SessionSecret), cfg.SessionTTL)
	ident := identity.New(st, signer, log)

	engine := budget.New(st, ident, bus, reg, log)
	rates := pricing.Default()
	tracker := costtrack.New(st, rates, reg, log)

	// Outbound provider calls share one traced transport.
	client := &http.Client{Transport: tracing.HTTPTransport(nil), Timeout: 60 * time.Second}
	var invokers []providers.Invoker
	if cfg.AnthropicAPIKey != "" {
		invokers = append(invokers, anthropic.New(cfg.AnthropicAPIKey, rates, anthropic.WithHTTPClient(client)))
	}
	if cfg.OpenAIAPIKey != "" {
		invokers = append(invokers, openai.New(cfg.OpenAIAPIKey, rates, openai.WithHTTPClient(client)))
	}
	if cfg.GoogleAPIKey != "" {
		invokers = append(invokers, google.New(cfg.GoogleAPIKey, rates, google.WithHTTPClient(client)))
	}

	breakers := breaker.NewRegistry(func(provider string) []breaker.Option {
		return []breaker.Option{
			breaker.WithOnStateChange(func(from, to breaker.State) {
				log.Warn("provider circuit state change",
					"provider", provider, "from", from.String(), "to", to.String())
				if to == breaker.Open {
					reg.CircuitOpens.WithLabelValues(provider).Inc()
					bus.Publish(events.Event{
						Type:     events.EventProviderCircuitOpen,
						Provider: provider,
						Reason:   "consecutive failures",
					})
				}
			}),
		}
	})
	chain := fallback.New(invokers, breakers)

	limits := ratelimit.DefaultLimits()
	maxCostFor := func(tier string) float64 {
		if l, ok := limits[tier]; ok {
			return l.MaxCostPerCall
		}
		return limits["free"].MaxCostPerCall
	}
	rt := router.New(routing.Default(), chain, engine, tracker, maxCostFor, log)

	limiter := ratelimit.New(ratelimit.WithCounter(reg.RateLimitRejects))

	minter := sso.New([]byte(cfg.SSOSecret), func(uid, app string) bool {
		tier, err := ident.TierOf(context.Background(), uid)
		if err != nil {
			return false
		}
		return ident.EntitlementsForTier(tier).CanUseApp(app)
	})

	handler := httpapi.New(httpapi.Dependencies{
		Identity:       ident,
		Sessions:       signer,
		Store:          st,
		Budget:         engine,
		Router:         rt,
		Routing:        routing.Default(),
		Limiter:        limiter,
		Chain:          chain,
		SSO:            minter,
		Metrics:        reg,
		Bus:            bus,
		Log:            log,
		StripeSecret:   []byte(cfg.StripeSecret),
		UpgradeURL:     cfg.UpgradeURL,
		CheckoutURL:    cfg.CheckoutURL,
		PortalURL:      cfg.PortalURL,
		ExportURL:      cfg.ExportURL,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	s := &Server{
		cfg:       cfg,
		log:       log,
		st:        st,
		bus:       bus,
		limiter:   limiter,
		traceStop: traceStop,
		httpSrv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	runner := jobs.New(st, engine, tracker, bus, log)
	acts := &temporal.Activities{Runner: runner}
	if cfg.TemporalEnabled {
		mgr, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts, log)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("temporal: %w", err)
		}
		s.temporal = mgr
	} else {
		sched, err := temporal.NewCronScheduler(runner, log)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		s.cron = sched
	}

	return s, nil
}

// Start launches the event watcher, the job scheduler, and the HTTP listener.
// It blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	s.alertSub = s.bus.Subscribe(256)
	go s.watchEvents()

	if s.temporal != nil {
		if err := s.temporal.Start(ctx); err != nil {
			return err
		}
	} else {
		s.cron.Start()
	}

	s.log.Info("listening", "addr", s.cfg.Addr,
		"temporal", s.temporal != nil, "otel", s.cfg.OTelEnabled)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// watchEvents persists degraded/blocked transitions as admin alerts. The
// approaching_limit alerts are written by the hourly sweep instead, which
// dedupes per period.
func (s *Server) watchEvents() {
	for ev := range s.alertSub.C {
		switch ev.Type {
		case events.EventBudgetDegraded, events.EventBudgetBlocked:
			alert := store.AlertRecord{
				UID:       ev.UID,
				Period:    ev.Period,
				Type:      string(ev.Type),
				Detail:    fmt.Sprintf("tier %s spent %.2f USD", ev.Tier, ev.SpentUSD),
				CreatedAt: ev.Timestamp,
			}
			if err := s.st.InsertAlert(context.Background(), alert); err != nil {
				s.log.Error("alert write failed", "uid", ev.UID, "type", ev.Type, "error", err)
			}
		case events.EventProviderCircuitOpen:
			s.log.Warn("provider circuit open", "provider", ev.Provider, "reason", ev.Reason)
		}
	}
}

// Stop drains the HTTP server and shuts components down in reverse order.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Error("http shutdown", "error", err)
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.alertSub != nil {
		s.bus.Unsubscribe(s.alertSub)
	}
	s.limiter.Stop()
	if err := s.traceStop(ctx); err != nil {
		s.log.Error("tracing shutdown", "error", err)
	}
	if err := s.st.Close(); err != nil {
		s.log.Error("store close", "error", err)
	}
}
