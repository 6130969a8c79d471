package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

const (
	maxUserIDLen      = 255
	maxRequestBody    = 4 * 1024
	retryableMessage  = "billing is temporarily unavailable, please try again"
	webhookBillingURL = "/webhooks/billing"
)

var errMissingSessionID = errors.New("session_id is required")

// Handler provides the HTTP endpoints for checkout, confirmation and balances
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("plan", func(fl validator.FieldLevel) bool {
		plan, ok := gocredits.ParsePlan(fl.Field().String())
		return ok && plan.Paid()
	})
	return v
}

// Routes mounts every endpoint, the provider webhook included, on a chi router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/checkout", h.CreateCheckout)
	r.Get("/checkout", h.ConfirmCheckout)
	r.Post("/portal", h.CreatePortal)
	r.Get("/credits", h.GetCredits)
	r.Method(http.MethodPost, webhookBillingURL, h.config.Provider.WebhookHandler())
	return r
}

// CreateCheckout handles POST /checkout {plan}
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: malformed body", gocredits.ErrInvalidPlan))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %q", gocredits.ErrInvalidPlan, req.Plan))
		return
	}
	plan, _ := gocredits.ParsePlan(req.Plan)

	res, err := h.config.Provider.CreateCheckout(r.Context(), userID, plan)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ConfirmCheckout handles GET /checkout?session_id=
func (h *Handler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.handleError(w, r, errMissingSessionID)
		return
	}

	res, err := h.config.Provider.ConfirmCheckout(r.Context(), userID, sessionID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreatePortal handles POST /portal
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	url, err := h.config.Provider.CreatePortal(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PortalResponse{URL: url})
}

// GetCredits handles GET /credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	credits, plan, err := h.config.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{UserID: userID, Credits: credits, Plan: string(plan)})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, billing.ErrUnauthenticated)
		return "", false
	}
	return userID, true
}

// StatusCode maps handler errors to HTTP status codes
func StatusCode(err error) int {
	switch {
	case errors.Is(err, billing.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, gocredits.ErrInvalidPlan),
		errors.Is(err, gocredits.ErrUnsupportedTransition),
		errors.Is(err, errMissingSessionID):
		return http.StatusBadRequest
	case errors.Is(err, gocredits.ErrAlreadyOnPlan):
		return http.StatusConflict
	case errors.Is(err, gocredits.ErrUserNotFound), errors.Is(err, billing.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	code := StatusCode(err)
	message := err.Error()
	if code >= http.StatusInternalServerError {
		h.config.Logger.Error("billing request failed",
			gocredits.Field{Key: "path", Value: r.URL.Path},
			gocredits.ErrorField(err),
		)
		message = retryableMessage
	}
	writeJSON(w, code, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started
		return
	}
}
