package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/exceptions"
	"github.com/ledgerline/reconcile/pkg/idempotency"
	"github.com/ledgerline/reconcile/pkg/ingest"
	"github.com/ledgerline/reconcile/pkg/match"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

// Server wires the REST surface to the reconciliation core.
type Server struct {
	store      *store.Store
	engine     *match.Engine
	importer   *ingest.Importer
	exceptions *exceptions.Service
	resolver   *rules.Resolver
	registry   *idempotency.Registry
	logger     *slog.Logger

	authSecret  string
	corsOrigins []string
	rateRPS     int
	rateBurst   int
}

// Deps collects the server's collaborators.
type Deps struct {
	Store      *store.Store
	Engine     *match.Engine
	Importer   *ingest.Importer
	Exceptions *exceptions.Service
	Resolver   *rules.Resolver
	Registry   *idempotency.Registry
	Logger     *slog.Logger

	AuthSecret  string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.RateRPS <= 0 {
		d.RateRPS = 50
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 100
	}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	return &Server{
		store:       d.Store,
		engine:      d.Engine,
		importer:    d.Importer,
		exceptions:  d.Exceptions,
		resolver:    d.Resolver,
		registry:    d.Registry,
		logger:      d.Logger,
		authSecret:  d.AuthSecret,
		corsOrigins: d.CORSOrigins,
		rateRPS:     d.RateRPS,
		rateBurst:   d.RateBurst,
	}
}

// Routes builds the router with the full middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Tenant-ID", "X-User-ID", correlationHeader},
		ExposedHeaders:   []string{correlationHeader, "Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(CorrelationID)
	r.Use(NewGlobalRateLimiter(s.rateRPS, s.rateBurst).Middleware)
	r.Use(RequestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Identity(s.authSecret, s.logger))
		r.Use(RequireIdempotency(s.registry, s.store, s.logger))

		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", s.handleCreateInvoice)
			r.Get("/", s.handleListInvoices)
			r.Get("/{id}", s.handleGetInvoice)
			r.Delete("/{id}", s.handleCancelInvoice)
			r.Post("/{id}/match", s.handleMatchInvoice)
			r.Get("/{id}/matches", s.handleInvoiceMatches)
			r.Get("/{id}/audit", s.handleInvoiceAudit)
		})
		r.Route("/purchase-orders", func(r chi.Router) {
			r.Post("/", s.handleCreatePO)
			r.Get("/", s.handleListPOs)
			r.Get("/{id}", s.handleGetPO)
		})
		r.Route("/receipts", func(r chi.Router) {
			r.Post("/", s.handleCreateReceipt)
			r.Get("/{id}", s.handleGetReceipt)
		})
		r.Route("/vendors", func(r chi.Router) {
			r.Post("/", s.handleCreateVendor)
			r.Get("/", s.handleListVendors)
			r.Get("/{id}", s.handleGetVendor)
		})
		r.Route("/matches", func(r chi.Router) {
			r.Get("/", s.handleListMatches)
			r.Get("/{id}", s.handleGetMatch)
		})
		r.Route("/exceptions", func(r chi.Router) {
			r.Get("/", s.handleListExceptions)
			r.Get("/{id}", s.handleGetException)
			r.Post("/{id}/claim", s.handleClaimException)
			r.Post("/{id}/decide", s.handleDecideException)
		})
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", s.handleImport)
			r.Get("/{id}", s.handleGetImport)
			r.Get("/{id}/errors", s.handleImportErrors)
		})
		r.Get("/exports/invoices", s.handleExportInvoices)
		r.Route("/tolerances", func(r chi.Router) {
			r.Get("/", s.handleListTolerances)
			r.Put("/", s.handleUpsertTolerance)
			r.Post("/profile", s.handleApplyProfile)
			r.Get("/effective", s.handleEffectiveRules)
		})
		r.Post("/match/run", s.handleRunBatch)
		r.Post("/audit/verify", s.handleVerifyAudit)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// page envelope shared by every list endpoint.
type pageEnvelope struct {
	Data  any `json:"data"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// commitJSON completes the request's idempotency claim inside sess,
// commits, and writes the response. The claim and the handler's effects
// become durable in the same transaction, so a crash between them can
// leave neither behind.
func (s *Server) commitJSON(w http.ResponseWriter, r *http.Request, sess *store.Session, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		WriteError(w, r, s.logger, contracts.WrapError(contracts.KindInternal, "encode response", err))
		return
	}
	if p := idempotency.PendingFrom(r.Context()); p != nil {
		if err := p.Complete(r.Context(), sess, status, body); err != nil {
			WriteError(w, r, s.logger, err)
			return
		}
	}
	if err := sess.Commit(); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writePage(w http.ResponseWriter, data any, total int, page store.Page) {
	page = page.Normalize()
	writeJSON(w, http.StatusOK, pageEnvelope{Data: data, Total: total, Page: page.Page, Limit: page.Limit})
}

// tenant pulls the identity established by the middleware.
func tenant(r *http.Request) contracts.RequestContext {
	rc, _ := contracts.RequestFrom(r.Context())
	return rc
}

// decodeJSON reads a body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return contracts.WrapError(contracts.KindValidationFailed, "malformed request body", err)
	}
	return nil
}
