// Package handler exposes subscription management over HTTP.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/repository"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/service"
	"github.com/FACorreiaa/subscription-tracker/pkg/httpx"
	"github.com/FACorreiaa/subscription-tracker/pkg/money"
)

// SubscriptionsHandler serves the /subscriptions routes
type SubscriptionsHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewSubscriptionsHandler constructs a new handler
func NewSubscriptionsHandler(svc *service.Service, logger *slog.Logger) *SubscriptionsHandler {
	return &SubscriptionsHandler{svc: svc, logger: logger}
}

// Routes mounts the handler on r. Callers are expected to have applied
// httpx.RequireUser.
func (h *SubscriptionsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/monthly-cost", h.MonthlyCost)
	r.Patch("/{id}/dates", h.UpdateDates)
	r.Patch("/{id}/status", h.UpdateStatus)
	r.Delete("/{id}", h.Delete)
}

type createRequest struct {
	ServiceName      string                       `json:"serviceName"`
	Status           repository.Status            `json:"status"`
	Amount           decimal.Decimal              `json:"amount"`
	Currency         string                       `json:"currency"`
	BillingCycle     repository.BillingCycle      `json:"billingCycle"`
	TrialEndsAt      *time.Time                   `json:"trialEndsAt"`
	NextBillingDate  *time.Time                   `json:"nextBillingDate"`
	ReminderSettings *repository.ReminderSettings `json:"reminderSettings"`
}

type updateDatesRequest struct {
	TrialEndsAt     *time.Time `json:"trialEndsAt"`
	NextBillingDate *time.Time `json:"nextBillingDate"`
}

type updateStatusRequest struct {
	Status repository.Status `json:"status"`
}

type listResponse struct {
	Subscriptions []*repository.Subscription `json:"subscriptions"`
}

type monthlyCostResponse struct {
	Totals      []*money.Money `json:"totals"`
	ActiveCount int            `json:"activeCount"`
}

type deleteResponse struct {
	Warnings []string `json:"warnings,omitempty"`
}

// List returns the caller's subscriptions. ?includeCancelled=true adds
// cancelled ones.
func (h *SubscriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	includeCancelled, _ := strconv.ParseBool(r.URL.Query().Get("includeCancelled"))

	subs, err := h.svc.List(r.Context(), userID, includeCancelled)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if subs == nil {
		subs = []*repository.Subscription{}
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{Subscriptions: subs})
}

// Create stores a manually entered subscription
func (h *SubscriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: "invalid request body", Recoverable: true})
		return
	}

	res, err := h.svc.Create(r.Context(), service.CreateInput{
		UserID:           userID,
		ServiceName:      req.ServiceName,
		Status:           req.Status,
		Amount:           req.Amount,
		Currency:         req.Currency,
		BillingCycle:     req.BillingCycle,
		TrialEndsAt:      req.TrialEndsAt,
		NextBillingDate:  req.NextBillingDate,
		ReminderSettings: req.ReminderSettings,
		Source:           repository.SourceManual,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

// MonthlyCost returns normalized monthly spend per currency
func (h *SubscriptionsHandler) MonthlyCost(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	cost, err := h.svc.MonthlyCost(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	totals := make([]*money.Money, 0, len(cost.Totals))
	for cur, total := range cost.Totals {
		totals = append(totals, money.NewFromDecimal(total, cur))
	}
	httpx.WriteJSON(w, http.StatusOK, monthlyCostResponse{Totals: totals, ActiveCount: cost.Count})
}

// UpdateDates changes the trial end and next billing date
func (h *SubscriptionsHandler) UpdateDates(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	var req updateDatesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: "invalid request body", Recoverable: true})
		return
	}

	res, err := h.svc.UpdateDates(r.Context(), userID, id, req.TrialEndsAt, req.NextBillingDate)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// UpdateStatus moves a subscription between trial, active and cancelled
func (h *SubscriptionsHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: "invalid request body", Recoverable: true})
		return
	}

	res, err := h.svc.UpdateStatus(r.Context(), userID, id, req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// Delete removes a subscription and its pending reminders
func (h *SubscriptionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}

	warnings, err := h.svc.Delete(r.Context(), userID, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if len(warnings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, deleteResponse{Warnings: warnings})
}

func (h *SubscriptionsHandler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := httpx.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorBody{Code: "UNAUTHENTICATED", Message: err.Error()})
		return uuid.Nil, false
	}
	return userID, true
}

func subscriptionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: "invalid subscription ID", Recoverable: true})
		return uuid.Nil, false
	}
	return id, true
}

func (h *SubscriptionsHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, httpx.ErrorBody{Code: "NOT_FOUND", Message: err.Error()})
	case errors.Is(err, service.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: err.Error(), Recoverable: true})
	default:
		h.logger.Error("subscription request failed", slog.Any("error", err))
		httpx.WriteError(w, http.StatusInternalServerError, httpx.ErrorBody{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}
