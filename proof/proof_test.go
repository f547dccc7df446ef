package proof

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	mu    sync.Mutex
	ok    bool
	err   error
	calls int
}

func (s *stubVerifier) Verify(context.Context, []byte, []string, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.ok, s.err
}

func TestGateway_FailsClosed(t *testing.T) {
	ctx := context.Background()

	stub := &stubVerifier{ok: false}
	g, err := NewGateway(GatewayConfig{Verifier: stub})
	require.NoError(t, err)
	require.ErrorIs(t, g.Verify(ctx, []byte("p"), nil, CircuitBidRange), ErrRejected)

	stub.err = errors.New("verifier exploded")
	stub.ok = true
	err = g.Verify(ctx, []byte("p"), nil, CircuitBidRange)
	require.ErrorIs(t, err, ErrRejected)

	require.ErrorIs(t, g.Verify(ctx, nil, nil, CircuitBidRange), ErrRejected)
}

func TestGateway_CachesOnlyAccepts(t *testing.T) {
	ctx := context.Background()
	stub := &stubVerifier{ok: false}
	g, err := NewGateway(GatewayConfig{Verifier: stub, CacheSize: 4})
	require.NoError(t, err)

	require.Error(t, g.Verify(ctx, []byte("p"), []string{"a"}, CircuitBidRange))
	require.Error(t, g.Verify(ctx, []byte("p"), []string{"a"}, CircuitBidRange))
	require.Equal(t, 2, stub.calls)

	stub.ok = true
	require.NoError(t, g.Verify(ctx, []byte("p"), []string{"a"}, CircuitBidRange))
	require.NoError(t, g.Verify(ctx, []byte("p"), []string{"a"}, CircuitBidRange))
	require.Equal(t, 3, stub.calls)

	// Different public inputs are a different question.
	require.NoError(t, g.Verify(ctx, []byte("p"), []string{"b"}, CircuitBidRange))
	require.Equal(t, 4, stub.calls)
}

func newVerifierServer(t *testing.T, status int, verdict any) *HTTPVerifier {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Circuit != CircuitBidRange || req.Proof != base64.StdEncoding.EncodeToString([]byte("proof")) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": verdict})
	}))
	t.Cleanup(srv.Close)
	return NewHTTPVerifier(HTTPVerifierConfig{URL: srv.URL})
}

func TestHTTPVerifier(t *testing.T) {
	ctx := context.Background()

	ok, err := newVerifierServer(t, http.StatusOK, true).Verify(ctx, []byte("proof"), []string{"commitment"}, CircuitBidRange)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = newVerifierServer(t, http.StatusOK, false).Verify(ctx, []byte("proof"), nil, CircuitBidRange)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = newVerifierServer(t, http.StatusOK, nil).Verify(ctx, []byte("proof"), nil, CircuitBidRange)
	require.Error(t, err)

	_, err = newVerifierServer(t, http.StatusBadGateway, true).Verify(ctx, []byte("proof"), nil, CircuitBidRange)
	require.ErrorIs(t, err, ErrVerifierDown)
}
