// Package httpapi exposes the marketplace over HTTP.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/textbook_market/internal/app"
	"github.com/R3E-Network/textbook_market/internal/app/metrics"
	"github.com/R3E-Network/textbook_market/internal/app/services/orders"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/middleware"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

const apiPrefix = "/api/v1"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Options tune the HTTP surface.
type Options struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	// Audit receives state-changing calls. Nil keeps a 200 entry ring.
	Audit *AuditLog
	// RateLimiter overrides the limiter built from RateLimitRPS.
	RateLimiter *middleware.RateLimiter
	Log         *logger.Logger
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *AuditLog
	log   *logger.Logger
}

// NewHandler returns the fully wrapped API handler.
func NewHandler(application *app.Application, opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = logger.NewDefault("httpapi")
	}
	if opts.Audit == nil {
		opts.Audit = NewAuditLog(200, nil)
	}
	h := &handler{app: application, audit: opts.Audit, log: opts.Log}

	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, opts.Log.Named("ratelimit"))
	}
	auth := middleware.NewAuth(middleware.AuthConfig{
		Secret: application.Config().Auth.JWTSecret,
		Lookup: application.Users,
		Admin:  application.IsAdmin,
		Public: isPublic,
	}, opts.Log.Named("auth"))
	cors := middleware.NewCORS(opts.AllowedOrigins)

	var chain http.Handler = h.routes()
	chain = wrapWithAudit(chain, opts.Audit)
	chain = limiter.Handler(chain)
	chain = auth.Handler(chain)
	chain = cors.Handler(chain)
	chain = metrics.InstrumentHandler(chain)
	chain = middleware.Logging(opts.Log)(chain)
	chain = middleware.Recover(opts.Log)(chain)
	return middleware.Trace(chain)
}

func (h *handler) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, apperrors.NotFound("route", req.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": map[string]string{"code": "METHOD_NOT_ALLOWED", "message": "method not allowed"},
		})
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix(apiPrefix).Subrouter()

	api.HandleFunc("/books", h.listBooks).Methods(http.MethodGet)
	api.HandleFunc("/books", h.createBook).Methods(http.MethodPost)
	api.HandleFunc("/books/{id}", h.getBook).Methods(http.MethodGet)
	api.HandleFunc("/books/{id}", h.updateBook).Methods(http.MethodPatch)
	api.HandleFunc("/books/{id}", h.deleteBook).Methods(http.MethodDelete)
	api.HandleFunc("/books/{id}/image", h.uploadImage).Methods(http.MethodPost)

	api.HandleFunc("/checkout", h.checkout).Methods(http.MethodPost)
	api.HandleFunc("/payments/verify/{reference}", h.verifyPayment).Methods(http.MethodPost)
	api.HandleFunc("/payments/webhook", h.paymentWebhook).Methods(http.MethodPost)

	api.HandleFunc("/orders", h.listOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", h.getOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/events", h.orderEvents).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/payout", h.orderPayout).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/commit", h.commitOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/decline", h.declineOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/cancel", h.cancelOrder).Methods(http.MethodPost)
	api.Handle("/orders/{id}/collected", middleware.RequireAdmin(http.HandlerFunc(h.collectedOrder))).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/complete", h.completeOrder).Methods(http.MethodPost)

	api.HandleFunc("/courier/quotes", h.courierQuotes).Methods(http.MethodPost)
	api.HandleFunc("/courier/track/{provider}/{tracking}", h.courierTrack).Methods(http.MethodGet)

	api.HandleFunc("/notifications", h.listNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", h.readAllNotifications).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}/read", h.readNotification).Methods(http.MethodPost)
	api.HandleFunc("/ws/notifications", h.notificationSocket).Methods(http.MethodGet)

	api.HandleFunc("/banking", h.getBanking).Methods(http.MethodGet)
	api.HandleFunc("/banking", h.saveBanking).Methods(http.MethodPut)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireAdmin)
	admin.HandleFunc("/sweep", h.adminSweep).Methods(http.MethodPost)
	admin.HandleFunc("/audit", h.adminAudit).Methods(http.MethodGet)

	return r
}

// isPublic lists the requests that may run without a token.
func isPublic(r *http.Request) bool {
	p := r.URL.Path
	switch {
	case p == "/healthz" || p == "/metrics":
		return true
	case r.Method == http.MethodGet && (p == apiPrefix+"/books" || strings.HasPrefix(p, apiPrefix+"/books/")):
		return true
	case r.Method == http.MethodPost && p == apiPrefix+"/payments/webhook":
		return true
	case r.Method == http.MethodPost && p == apiPrefix+"/courier/quotes":
		return true
	}
	return false
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func viewer(r *http.Request) orders.Viewer {
	id, _ := middleware.IdentityFrom(r.Context())
	return orders.Viewer{UserID: id.UserID, Admin: id.Admin}
}

// caller returns the authenticated identity or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, apperrors.Unauthorized(""))
		return middleware.Identity{}, false
	}
	return id, true
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("body", "request body is required")
		}
		return apperrors.Validation("body", err.Error())
	}
	return nil
}

// decodeOptionalJSON accepts an empty body and leaves dst untouched.
func decodeOptionalJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.Validation("body", err.Error())
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Validation("body", err.Error())
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Validation(key, "must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	middleware.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, err)
}

// fail writes err and logs the cause of server side failures.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.HTTPStatus(err) >= http.StatusInternalServerError {
		h.log.WithError(err).
			WithField("path", r.URL.Path).
			WithField("trace_id", middleware.GetTraceID(r.Context())).
			Error("request failed")
	}
	writeError(w, r, err)
}
