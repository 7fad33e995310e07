package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverlution/luma/internal/domain/notification"
	"github.com/recoverlution/luma/pkg/circuitbreaker"
	"github.com/recoverlution/luma/pkg/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newSender(t *testing.T, url string, opts ...WebhookOption) *WebhookSender {
	t.Helper()
	opts = append([]WebhookOption{WithRetrier(retry.WebhookRetrier(retry.WithSleeper(noSleep)))}, opts...)
	s, err := NewWebhookSender(WebhookConfig{URL: url, Secret: "s3cret"}, nil, opts...)
	require.NoError(t, err)
	return s
}

func escalation() *notification.Notification {
	n := notification.New(notification.TypeEscalation, "8f6b2a7e-3c1d-4e5f-9a0b-1c2d3e4f5a6b", time.Now())
	n.DecisionID = "d-1"
	n.Action = "ESCALATE"
	n.Tier = "safety"
	return n
}

func TestWebhookSender_DeliversSignedJSON(t *testing.T) {
	var got notification.Notification
	var sig, id string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get(HeaderSignature)
		id = r.Header.Get(HeaderNotificationID)
		assert.Equal(t, Sign("s3cret", body), sig)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := escalation()
	res := newSender(t, srv.URL).Send(context.Background(), n)

	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, notification.ChannelWebhook, res.Channel)
	assert.Equal(t, n.ID, id)
	assert.Equal(t, notification.PriorityUrgent, got.Priority)
	assert.Equal(t, "d-1", got.DecisionID)
}

func TestWebhookSender_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "3", r.Header.Get(HeaderDeliveryTry))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := newSender(t, srv.URL).Send(context.Background(), escalation())
	require.True(t, res.Success)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWebhookSender_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := newSender(t, srv.URL)
	res := s.Send(context.Background(), escalation())

	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, s.Breaker().State())
}

func TestWebhookSender_OpenCircuitStopsCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newSender(t, srv.URL)
	res := s.Send(context.Background(), escalation())
	assert.False(t, res.Success)
	assert.Equal(t, circuitbreaker.StateOpen, s.Breaker().State())
	before := calls.Load()

	res = s.Send(context.Background(), escalation())
	assert.ErrorIs(t, res.Error, circuitbreaker.ErrCircuitOpen)
	assert.False(t, res.Retryable)
	assert.Equal(t, before, calls.Load())
}

func TestNewWebhookSender_RequiresURL(t *testing.T) {
	_, err := NewWebhookSender(WebhookConfig{}, nil)
	assert.Error(t, err)
}
