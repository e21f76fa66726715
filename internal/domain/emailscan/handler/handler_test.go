package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/emailscan"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/detector"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/merchant"
	"github.com/FACorreiaa/subscription-tracker/pkg/config"
	"github.com/FACorreiaa/subscription-tracker/pkg/httpx"
)

func newTestRouter() http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scanner := emailscan.New(
		merchant.NewResolver(nil, nil, logger, nil),
		detector.New(config.DefaultDetection(), logger, nil),
		config.EmailScanConfig{AutoCreateThreshold: 0.8, PendingThreshold: 0.5},
		2, logger, nil,
	)
	r := chi.NewRouter()
	r.With(httpx.RequireUser).Route("/email-scans", NewEmailScanHandler(scanner, logger).Routes)
	return r
}

func post(h http.Handler, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/email-scans", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(httpx.UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEmailScanHandler_Scan(t *testing.T) {
	h := newTestRouter()

	rec := post(h, uuid.NewString(), `{"emails":[{"id":"1","from":"Hulu <no-reply@hulu.com>","subject":"Your free trial ends soon","body":"then $7.99 a month"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res emailscan.BatchResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res.Candidates, 1)
	c := res.Candidates[0]
	assert.Equal(t, emailscan.KindTrial, c.Kind)
	assert.Equal(t, "Hulu", c.MerchantName)
	assert.Equal(t, emailscan.RoutePending, c.Route)
}

func TestEmailScanHandler_Errors(t *testing.T) {
	h := newTestRouter()

	assert.Equal(t, http.StatusUnauthorized, post(h, "", `{"emails":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, uuid.NewString(), `{"emails":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, uuid.NewString(), `{"mails":[]}`).Code)

	var b strings.Builder
	b.WriteString(`{"emails":[`)
	for i := range 201 {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"subject":"x"}`)
	}
	b.WriteString(`]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(h, uuid.NewString(), b.String()).Code)
}
