// Package handler exposes the email scanner over HTTP.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/emailscan"
	"github.com/FACorreiaa/subscription-tracker/pkg/httpx"
)

const maxBatch = 200

// EmailScanHandler scores mailbox pages pushed by the mail sync job.
type EmailScanHandler struct {
	scanner *emailscan.Scanner
	logger  *slog.Logger
}

func NewEmailScanHandler(scanner *emailscan.Scanner, logger *slog.Logger) *EmailScanHandler {
	return &EmailScanHandler{scanner: scanner, logger: logger}
}

// Routes mounts the handler on r
func (h *EmailScanHandler) Routes(r chi.Router) {
	r.Post("/", h.Scan)
}

type scanRequest struct {
	Emails []emailscan.Email `json:"emails"`
}

// Scan handles POST /email-scans
func (h *EmailScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorBody{Code: "UNAUTHENTICATED", Message: err.Error()})
		return
	}

	var req scanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: err.Error(), Recoverable: true})
		return
	}
	if len(req.Emails) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: "emails must not be empty", Recoverable: true})
		return
	}
	if len(req.Emails) > maxBatch {
		httpx.WriteError(w, http.StatusRequestEntityTooLarge, httpx.ErrorBody{Code: "BATCH_TOO_LARGE", Message: "at most 200 emails per request", Recoverable: true})
		return
	}

	res, err := h.scanner.ScanBatch(r.Context(), req.Emails)
	if err != nil {
		h.logger.Error("email scan failed",
			slog.String("user_id", userID.String()),
			slog.Any("error", err))
		httpx.WriteError(w, http.StatusInternalServerError, httpx.ErrorBody{Code: "INTERNAL_ERROR", Message: "email scan failed", Recoverable: true})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}
