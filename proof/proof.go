// Package proof is the boundary to the external zero-knowledge verifier.
// Proof generation and circuit internals live elsewhere; this package only
// asks whether a proof verifies and fails closed on anything but a clear yes.
package proof

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/flashbots/sealbid/metrics"
)

// Circuit names known to the verifier.
const (
	CircuitBidRange = "bid_range"
	CircuitReveal   = "reveal"
)

var (
	ErrRejected     = errors.New("proof rejected")
	ErrVerifierDown = errors.New("proof verifier unavailable")
)

// Verifier is the external verification capability.
type Verifier interface {
	Verify(ctx context.Context, proof []byte, publicInputs []string, circuit string) (bool, error)
}

type HTTPVerifierConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPVerifier posts proofs to a verifier service.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

func NewHTTPVerifier(cfg HTTPVerifierConfig) *HTTPVerifier {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPVerifier{url: cfg.URL, client: client}
}

type verifyRequest struct {
	Proof        string   `json:"proof"`
	PublicInputs []string `json:"publicInputs"`
	Circuit      string   `json:"circuit"`
}

type verifyResponse struct {
	Valid *bool `json:"valid"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, proof []byte, publicInputs []string, circuit string) (bool, error) {
	body, err := json.Marshal(verifyRequest{
		Proof:        base64.StdEncoding.EncodeToString(proof),
		PublicInputs: publicInputs,
		Circuit:      circuit,
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerifierDown, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: status %d", ErrVerifierDown, resp.StatusCode)
	}
	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return false, fmt.Errorf("decode verdict: %w", err)
	}
	if out.Valid == nil {
		return false, errors.New("verdict missing")
	}
	return *out.Valid, nil
}

type GatewayConfig struct {
	Verifier  Verifier
	CacheSize int
	Log       *slog.Logger
	Metrics   *metrics.Collectors
}

// Gateway wraps a Verifier with fail-closed semantics and remembers
// accepted proofs. Rejections are never cached so a verifier outage cannot
// pin a proof as invalid.
type Gateway struct {
	verifier Verifier
	accepted *lru.Cache
	log      *slog.Logger
	metrics  *metrics.Collectors
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("gateway needs a verifier")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{verifier: cfg.Verifier, accepted: cache, log: log.With("component", "proof-gateway"), metrics: cfg.Metrics}, nil
}

func cacheKey(proof []byte, publicInputs []string, circuit string) [32]byte {
	h := sha256.New()
	h.Write([]byte(circuit))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(publicInputs, "\x00")))
	h.Write([]byte{0})
	h.Write(proof)
	var k [32]byte
	copy(k[:], h.Sum(nil))
	return k
}

// Verify returns nil only when the verifier affirmatively accepts. A false
// verdict yields ErrRejected; a verifier error is wrapped with ErrRejected
// as well so callers that only check ErrRejected still fail closed.
func (g *Gateway) Verify(ctx context.Context, proof []byte, publicInputs []string, circuit string) error {
	if len(proof) == 0 {
		g.metrics.ProofVerified("empty")
		return fmt.Errorf("%w: empty proof", ErrRejected)
	}
	key := cacheKey(proof, publicInputs, circuit)
	if g.accepted.Contains(key) {
		g.metrics.ProofVerified("cached")
		return nil
	}

	ok, err := g.verifier.Verify(ctx, proof, publicInputs, circuit)
	if err != nil {
		g.metrics.ProofVerified("error")
		g.log.Error("proof verification failed", "circuit", circuit, "err", err)
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if !ok {
		g.metrics.ProofVerified("reject")
		return ErrRejected
	}
	g.metrics.ProofVerified("accept")
	g.accepted.Add(key, struct{}{})
	return nil
}
