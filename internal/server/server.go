package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/trafficlens/trafficlens/internal/analytics"
	"github.com/trafficlens/trafficlens/internal/config"
	"github.com/trafficlens/trafficlens/internal/delivery"
	"github.com/trafficlens/trafficlens/internal/handler"
	"github.com/trafficlens/trafficlens/internal/middleware"
	"github.com/trafficlens/trafficlens/internal/push"
	"github.com/trafficlens/trafficlens/internal/realtime"
	"github.com/trafficlens/trafficlens/internal/store"
	"github.com/trafficlens/trafficlens/internal/vapid"
)

type Server struct {
	db  *sql.DB
	hub *realtime.Hub

	domainH     *handler.DomainHandler
	subscriberH *handler.SubscriberHandler
	campaignH   *handler.CampaignHandler
	eventH      *handler.EventHandler
	analyticsH  *handler.AnalyticsHandler

	engine      *delivery.Engine
	scheduler   *delivery.Scheduler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger

	subscribers *store.SubscriberStore
	attempts    *store.AttemptStore
	events      *store.EventStore
	campaigns   *store.CampaignStore
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Server {
	hub := realtime.NewHub(logger.With("component", "realtime"))

	domainStore := store.NewDomainStore(db)
	keyPairStore := store.NewKeyPairStore(db)
	subscriberStore := store.NewSubscriberStore(db)
	campaignStore := store.NewCampaignStore(db)
	attemptStore := store.NewAttemptStore(db)
	eventStore := store.NewEventStore(db)

	locks := delivery.NewDomainLocks()
	vapidSvc := vapid.NewService(keyPairStore, locks, cfg.Keys.Secret, logger.With("component", "vapid"))
	pushSvc := push.NewService(cfg.Push.Subscriber, cfg.Push.TTL, cfg.Push.RequestTimeout)

	engine := delivery.NewEngine(delivery.Config{
		Concurrency: cfg.Push.Concurrency,
		MaxRetries:  cfg.Push.MaxRetries,
		RetryBase:   cfg.Push.RetryBase,
		PageSize:    cfg.Push.PageSize,
	}, domainStore, subscriberStore, campaignStore, attemptStore,
		vapidSvc, pushSvc, locks, hub, logger.With("component", "delivery"))

	scheduler := delivery.NewScheduler(engine, campaignStore, logger.With("component", "scheduler"))
	analyticsSvc := analytics.NewService(attemptStore, eventStore)

	return &Server{
		db:          db,
		hub:         hub,
		domainH:     handler.NewDomainHandler(domainStore, vapidSvc, logger.With("component", "domain_handler")),
		subscriberH: handler.NewSubscriberHandler(subscriberStore, domainStore, keyPairStore, logger.With("component", "subscriber_handler")),
		campaignH:   handler.NewCampaignHandler(campaignStore, domainStore, engine, logger.With("component", "campaign_handler")),
		eventH:      handler.NewEventHandler(eventStore, subscriberStore, campaignStore, logger.With("component", "event_handler")),
		analyticsH:  handler.NewAnalyticsHandler(analyticsSvc, attemptStore, logger.With("component", "analytics_handler")),
		engine:      engine,
		scheduler:   scheduler,
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
		subscribers: subscriberStore,
		attempts:    attemptStore,
		events:      eventStore,
		campaigns:   campaignStore,
	}
}

// Engine returns the delivery engine for shutdown draining.
func (s *Server) Engine() *delivery.Engine {
	return s.engine
}

// Scheduler returns the campaign scheduler.
func (s *Server) Scheduler() *delivery.Scheduler {
	return s.scheduler
}

// RateLimiter returns the rate limiter for periodic sweeping.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Stores used by the retention cleaner.
func (s *Server) SubscriberStore() *store.SubscriberStore { return s.subscribers }
func (s *Server) AttemptStore() *store.AttemptStore       { return s.attempts }
func (s *Server) EventStore() *store.EventStore           { return s.events }

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Domain management
	mux.HandleFunc("POST /api/domains", s.domainH.Create)
	mux.HandleFunc("GET /api/domains", s.domainH.List)
	mux.HandleFunc("GET /api/domains/{id}", s.domainH.Get)
	mux.HandleFunc("DELETE /api/domains/{id}", s.domainH.Delete)
	mux.HandleFunc("POST /api/domains/{id}/rotate-key", s.domainH.RotateKey)
	mux.HandleFunc("GET /api/domains/{id}/vapid-key", s.domainH.PublicKey)

	// Subscriber registry. Subscribe and the event beacon are public endpoints
	// hit from browsers, so they carry per-IP rate limits.
	mux.Handle("POST /api/domains/{id}/subscribers", s.rateLimited(s.subscriberH.Subscribe, 30))
	mux.Handle("POST /api/subscribers/{id}/unsubscribe", s.rateLimited(s.subscriberH.Unsubscribe, 30))
	mux.HandleFunc("GET /api/domains/{id}/subscribers/count", s.subscriberH.Count)

	// Campaigns
	mux.HandleFunc("POST /api/domains/{id}/campaigns", s.campaignH.Create)
	mux.HandleFunc("GET /api/domains/{id}/campaigns", s.campaignH.List)
	mux.HandleFunc("GET /api/campaigns/{id}", s.campaignH.Get)
	mux.HandleFunc("DELETE /api/campaigns/{id}", s.campaignH.Delete)
	mux.HandleFunc("POST /api/campaigns/{id}/send", s.campaignH.Send)
	mux.HandleFunc("POST /api/campaigns/{id}/cancel", s.campaignH.Cancel)
	mux.HandleFunc("POST /api/campaigns/{id}/schedule", s.campaignH.Schedule)
	mux.HandleFunc("POST /api/campaigns/{id}/unschedule", s.campaignH.Unschedule)

	// Event beacon
	mux.Handle("POST /api/events", s.rateLimited(s.eventH.Record, 60))

	// Analytics
	mux.HandleFunc("GET /api/campaigns/{id}/stats", s.analyticsH.CampaignStats)
	mux.HandleFunc("GET /api/campaigns/{id}/breakdown", s.analyticsH.ResultBreakdown)
	mux.HandleFunc("GET /api/campaigns/{id}/attempts", s.analyticsH.Attempts)
	mux.HandleFunc("GET /api/domains/{id}/growth", s.analyticsH.Growth)

	// Live run progress
	mux.HandleFunc("GET /ws", realtime.Handler(s.hub, s.logger.With("component", "ws_handler")))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimited(h http.HandlerFunc, perMinute int) http.Handler {
	return middleware.RateLimitByIP(s.rateLimiter, perMinute, time.Minute)(h)
}
