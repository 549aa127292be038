// Package api exposes the ledger, the catalog and user accounts as a JSON
// HTTP API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/billbatista/acasinha-purchases/catalog"
	"github.com/billbatista/acasinha-purchases/eventlogger"
	"github.com/billbatista/acasinha-purchases/ledger"
	"github.com/billbatista/acasinha-purchases/middleware"
	"github.com/billbatista/acasinha-purchases/session"
	"github.com/billbatista/acasinha-purchases/user"
)

// AuditLog records events and reads them back.
type AuditLog interface {
	Log(event eventlogger.Event)
	Recent(ctx context.Context, eventType string, limit int) ([]eventlogger.Event, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Config struct {
	Engine       *ledger.Engine
	Catalog      *catalog.Service
	Users        user.Repository
	Sessions     session.Repository
	Audit        AuditLog
	DB           Pinger
	Logger       zerolog.Logger
	CookieSecure bool
}

type Handler struct {
	engine       *ledger.Engine
	catalog      *catalog.Service
	users        user.Repository
	sessions     session.Repository
	audit        AuditLog
	db           Pinger
	logger       zerolog.Logger
	validate     *validator.Validate
	cookieSecure bool
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		engine:       cfg.Engine,
		catalog:      cfg.Catalog,
		users:        cfg.Users,
		sessions:     cfg.Sessions,
		audit:        cfg.Audit,
		db:           cfg.DB,
		logger:       cfg.Logger,
		validate:     newValidator(),
		cookieSecure: cfg.CookieSecure,
	}
}

// Routes mounts every endpoint on r. r must already run
// middleware.AuthMiddleware.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Live)
	r.Get("/ready", h.Ready)
	r.Post("/user/register", h.Register)
	r.Post("/user/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)

		r.Post("/user/logout", h.Logout)
		r.Get("/users", h.ListUsers)

		r.Get("/shops", h.ListShops)
		r.Post("/shops", h.CreateShop)
		r.Get("/products", h.ListProducts)
		r.Post("/products", h.CreateProduct)
		r.Get("/products/{id}/price", h.CurrentPrice)
		r.Get("/products/{id}/cheapest", h.CheapestPrices)

		r.Get("/purchases", h.ListPurchases)
		r.Post("/purchases", h.CreatePurchase)
		r.Get("/purchases/{id}", h.ShowPurchase)
		r.Delete("/purchases/{id}", h.DeletePurchase)
		r.Post("/purchases/{id}/benefits", h.AddBenefit)

		r.Get("/balances", h.ListBalances)
		r.Get("/debts/{obligorID}", h.ListDebts)
		r.Post("/debts/{obligorID}/settle", h.SettleDebts)

		r.Get("/events", h.ListEvents)
	})
}

func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		JSON(w, http.StatusOK, map[string]string{"db": "not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"db": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"db": "ok"})
}

// currentUser is only called behind RequireAuth.
func currentUser(r *http.Request) uuid.UUID {
	id, _ := middleware.GetUserID(r.Context())
	return id
}

func (h *Handler) record(r *http.Request, eventType string, data any) {
	if h.audit == nil {
		return
	}
	meta := map[string]string{}
	if id, ok := middleware.GetUserID(r.Context()); ok {
		meta["user_id"] = id.String()
	}
	h.audit.Log(eventlogger.NewEvent(
		eventlogger.WithType(eventType),
		eventlogger.WithData(data),
		eventlogger.WithMetadata(meta),
	))
}
