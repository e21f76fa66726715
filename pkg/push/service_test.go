package push

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]"

func newTestService(url string) *Service {
	return NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), WithEndpoint(url), WithMaxRetries(2))
}

func TestService_Send(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":[{"status":"ok","id":"ticket-1"}]}`))
	}))
	defer srv.Close()

	id, err := newTestService(srv.URL).Send(context.Background(), &Message{To: token, Title: "Trial ending", Body: "Netflix"})
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", id)
	assert.Equal(t, "default", got.Sound)
	assert.Equal(t, "Trial ending", got.Title)
}

func TestService_SendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"status":"ok","id":"ticket-2"}]}`))
	}))
	defer srv.Close()

	id, err := newTestService(srv.URL).Send(context.Background(), &Message{To: token, Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ticket-2", id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestService_SendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"status":"error","message":"gone","details":{"error":"DeviceNotRegistered"}}]}`))
	}))
	defer srv.Close()
	svc := newTestService(srv.URL)

	_, err := svc.Send(context.Background(), &Message{To: token, Body: "x"})
	assert.ErrorIs(t, err, ErrDeviceNotRegistered)

	_, err = svc.Send(context.Background(), &Message{Body: "x"})
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.Send(context.Background(), &Message{To: "not-a-token", Body: "x"})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidToken(t *testing.T) {
	assert.True(t, ValidToken("ExponentPushToken[abc]"))
	assert.True(t, ValidToken("ExpoPushToken[abc]"))
	assert.False(t, ValidToken("ExpoPushToken[abc"))
	assert.False(t, ValidToken("fcm:abc"))
}
