// Package handler exposes bank statement imports over HTTP.
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	importservice "github.com/FACorreiaa/subscription-tracker/internal/domain/import/service"
	"github.com/FACorreiaa/subscription-tracker/pkg/httpx"
)

// multipart bookkeeping allowed on top of the file itself
const formOverhead = 64 * 1024

// ImportHandler serves the /imports routes
type ImportHandler struct {
	processor    *importservice.Processor
	maxFileBytes int64
	logger       *slog.Logger
}

// NewImportHandler creates a new import handler
func NewImportHandler(processor *importservice.Processor, maxFileBytes int64, logger *slog.Logger) *ImportHandler {
	return &ImportHandler{processor: processor, maxFileBytes: maxFileBytes, logger: logger}
}

// Routes mounts the handler on r
func (h *ImportHandler) Routes(r chi.Router) {
	r.Post("/", h.Upload)
	r.Post("/{sessionID}/commit", h.Commit)
}

type commitRequest struct {
	TransactionIDs []string `json:"transactionIds"`
	Currency       string   `json:"currency"`
}

// Upload processes a multipart statement upload in the "file" field.
func (h *ImportHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorBody{Code: "UNAUTHENTICATED", Message: err.Error()})
		return
	}

	// Anything well past the limit is cut off here; the processor still
	// applies the exact limit so the error code stays FILE_TOO_LARGE.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileBytes*2+formOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeImportError(w, &importservice.ImportError{
				Code:        importservice.CodeFileTooLarge,
				Message:     "The file is too large.",
				Recoverable: true,
			})
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: "a multipart \"file\" field is required", Recoverable: true})
		return
	}
	defer file.Close()

	upload := importservice.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
	}
	// Oversized files skip the read and go straight to validation.
	if header.Size <= h.maxFileBytes {
		upload.Data, err = io.ReadAll(file)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: "could not read upload", Recoverable: true})
			return
		}
	}

	result, err := h.processor.Process(r.Context(), userID, upload)
	if err != nil {
		ie, ok := importservice.AsImportError(err)
		if !ok {
			h.logger.Error("import failed", slog.Any("error", err))
			ie = &importservice.ImportError{Code: importservice.CodeInternal, Message: "internal error", Recoverable: true}
		}
		h.writeImportError(w, ie)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// Commit creates subscriptions for the confirmed transactions of a session
func (h *ImportHandler) Commit(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorBody{Code: "UNAUTHENTICATED", Message: err.Error()})
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: "invalid session ID", Recoverable: true})
		return
	}
	var req commitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "INVALID_ARGUMENT", Message: "invalid request body", Recoverable: true})
		return
	}

	result, err := h.processor.Commit(r.Context(), userID, sessionID, req.TransactionIDs, req.Currency)
	if errors.Is(err, importservice.ErrSessionNotFound) {
		httpx.WriteError(w, http.StatusNotFound, httpx.ErrorBody{Code: "SESSION_NOT_FOUND", Message: "import session expired or not found; upload the file again", Recoverable: true})
		return
	}
	if err != nil {
		h.logger.Error("import commit failed", slog.Any("error", err))
		httpx.WriteError(w, http.StatusInternalServerError, httpx.ErrorBody{Code: string(importservice.CodeInternal), Message: "internal error", Recoverable: true})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (h *ImportHandler) writeImportError(w http.ResponseWriter, ie *importservice.ImportError) {
	httpx.WriteError(w, ie.Code.HTTPStatus(), httpx.ErrorBody{
		Code:        string(ie.Code),
		Message:     ie.Message,
		Recoverable: ie.Recoverable,
	})
}
