package inference

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/logger"
	"github.com/printmint/printmint/internal/models"
)

func newTestClient(addr string) *Client {
	return NewClient(Config{
		Addr:          addr,
		Token:         "test-token",
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
	}, logger.NewNoOpLogger())
}

func Test_ClientSubmit(t *testing.T) {
	t.Run("submits model and input, returns handle", func(t *testing.T) {
		var gotAuth string
		var gotBody submitRequest

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/predictions", r.URL.Path)
			gotAuth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(predictionResponse{ID: "pred-1", Status: "starting"})
		}))
		defer server.Close()

		client := newTestClient(server.URL)

		handle, err := client.Submit(t.Context(), models.JobKindMockup, json.RawMessage(`{"template":"tshirt"}`))

		require.NoError(t, err)
		assert.Equal(t, "pred-1", handle)
		assert.Equal(t, "Bearer test-token", gotAuth)
		assert.Equal(t, "printmint/mockup-compose", gotBody.Model)
		assert.JSONEq(t, `{"template":"tshirt"}`, string(gotBody.Input))
	})

	t.Run("unknown kind rejected without request", func(t *testing.T) {
		client := newTestClient("http://localhost:1")

		_, err := client.Submit(t.Context(), "karaoke", nil)
		assert.ErrorIs(t, err, apperrors.ErrUnsupportedJobKind)
	})

	t.Run("retries server errors until success", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(predictionResponse{ID: "pred-2", Status: "starting"})
		}))
		defer server.Close()

		client := newTestClient(server.URL)

		handle, err := client.Submit(t.Context(), models.JobKindMockup, nil)

		require.NoError(t, err)
		assert.Equal(t, "pred-2", handle)
		assert.Equal(t, int32(3), calls.Load(), "two retries after the initial attempt")
	})

	t.Run("exhausted retry budget surfaces unavailable", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := newTestClient(server.URL)

		_, err := client.Submit(t.Context(), models.JobKindMockup, nil)

		assert.ErrorIs(t, err, apperrors.ErrInferenceUnavailable)
		assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer server.Close()

		client := newTestClient(server.URL)

		_, err := client.Submit(t.Context(), models.JobKindMockup, nil)

		assert.ErrorIs(t, err, apperrors.ErrInferenceUnavailable)
		assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
	})
}

func Test_ClientPoll(t *testing.T) {
	pollServer := func(t *testing.T, resp predictionResponse) *httptest.Server {
		t.Helper()
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			require.Equal(t, "/v1/predictions/pred-1", r.URL.Path)
			_ = json.NewEncoder(w).Encode(resp)
		}))
	}

	t.Run("provider pending vocabulary maps to pending", func(t *testing.T) {
		for _, status := range []string{"starting", "queued", "processing"} {
			server := pollServer(t, predictionResponse{ID: "pred-1", Status: status})

			result, err := newTestClient(server.URL).Poll(t.Context(), "pred-1")
			server.Close()

			require.NoError(t, err)
			assert.Equal(t, StatusPending, result.Status, "provider status %q", status)
		}
	})

	t.Run("succeeded normalizes output", func(t *testing.T) {
		server := pollServer(t, predictionResponse{
			ID:     "pred-1",
			Status: "succeeded",
			Output: json.RawMessage(`"https://cdn.example/img.png"`),
		})
		defer server.Close()

		result, err := newTestClient(server.URL).Poll(t.Context(), "pred-1")

		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, result.Status)
		require.Len(t, result.Artifacts, 1)
		assert.Equal(t, "https://cdn.example/img.png", result.Artifacts[0].URL)
	})

	t.Run("succeeded with garbage output is unavailable", func(t *testing.T) {
		server := pollServer(t, predictionResponse{
			ID:     "pred-1",
			Status: "succeeded",
			Output: json.RawMessage(`{"weird": true}`),
		})
		defer server.Close()

		_, err := newTestClient(server.URL).Poll(t.Context(), "pred-1")
		assert.ErrorIs(t, err, apperrors.ErrInferenceUnavailable)
	})

	t.Run("failed carries provider message", func(t *testing.T) {
		server := pollServer(t, predictionResponse{ID: "pred-1", Status: "failed", Error: "NSFW content detected"})
		defer server.Close()

		result, err := newTestClient(server.URL).Poll(t.Context(), "pred-1")

		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, "NSFW content detected", result.Err)
	})

	t.Run("canceled maps to failed with fallback message", func(t *testing.T) {
		server := pollServer(t, predictionResponse{ID: "pred-1", Status: "canceled"})
		defer server.Close()

		result, err := newTestClient(server.URL).Poll(t.Context(), "pred-1")

		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, "prediction canceled", result.Err)
	})

	t.Run("unknown status is unavailable", func(t *testing.T) {
		server := pollServer(t, predictionResponse{ID: "pred-1", Status: "hibernating"})
		defer server.Close()

		_, err := newTestClient(server.URL).Poll(t.Context(), "pred-1")
		assert.ErrorIs(t, err, apperrors.ErrInferenceUnavailable)
	})
}
