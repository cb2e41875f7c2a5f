package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"oyamarket/crypto"
)

func TestRequestLogMasksCallerAndToken(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	obs := NewObservability(ObservabilityConfig{LogRequests: true}, logger)
	handler := obs.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	var id [20]byte
	for i := range id {
		id[i] = 0x0b
	}
	caller := crypto.FormatAddress(id)
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	req.Header.Set(DefaultCallerHeader, caller)
	req.Header.Set("Authorization", "Bearer secret-token-value")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	require.Contains(t, out, `"status":204`)
	require.Contains(t, out, `"authorization":"Bearer [REDACTED]"`)
	require.NotContains(t, out, "secret-token-value")
	require.NotContains(t, out, caller)
	require.Contains(t, out, caller[:6])
}
