package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flashbots/sealbid/apperr"
	"github.com/flashbots/sealbid/ratelimit"
	"github.com/flashbots/sealbid/services"
)

const (
	DefaultActorHeader = "X-Actor"
	SignatureHeader    = "X-Signature"

	maxRequestBody = 1 << 20
	maxEventBody   = 8 << 20
)

// Auctions is the request side the handlers call into.
type Auctions interface {
	CreateAuction(ctx context.Context, req services.CreateAuctionRequest) (*services.CreateAuctionResponse, error)
	SubmitBid(ctx context.Context, req services.SubmitBidRequest) (*services.SubmitBidResponse, error)
	CancelAuction(ctx context.Context, req services.CancelRequest) (*services.TxResponse, error)
	BuildReveal(ctx context.Context, req services.RevealRequest) (*services.TxResponse, error)
	BuildSettle(ctx context.Context, req services.SettleRequest) (*services.TxResponse, error)
	ClaimRefund(ctx context.Context, req services.RefundRequest) (*services.RefundResponse, error)
	GetAuction(ctx context.Context, id string) (*services.AuctionView, error)
	Ranking(ctx context.Context, id string) (*services.RankingView, error)
	ConfirmTransaction(ctx context.Context, signature string, lastValidBlockHeight uint64) (*services.ConfirmationView, error)
}

// EventSink accepts signed event batches from the ledger indexer.
type EventSink interface {
	HandleBatch(ctx context.Context, body []byte, signature string) (*services.BatchResult, error)
}

type AuctionHandlerConfig struct {
	Auctions Auctions
	Events   EventSink

	// Limiter gates every API route except event ingestion. Optional.
	Limiter *ratelimit.Limiter

	// ActorHeader carries the authenticated caller's public key, set by
	// the session layer in front of this service.
	ActorHeader string

	Log *slog.Logger
}

// AuctionHandler serves the auction API and the event ingestion endpoint.
type AuctionHandler struct {
	auctions    Auctions
	events      EventSink
	limiter     *ratelimit.Limiter
	actorHeader string
	log         *slog.Logger
}

func NewAuctionHandler(cfg AuctionHandlerConfig) (*AuctionHandler, error) {
	if cfg.Auctions == nil {
		return nil, errors.New("auction handler: auctions service is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("auction handler: event sink is required")
	}
	h := &AuctionHandler{
		auctions:    cfg.Auctions,
		events:      cfg.Events,
		limiter:     cfg.Limiter,
		actorHeader: cfg.ActorHeader,
		log:         cfg.Log,
	}
	if h.actorHeader == "" {
		h.actorHeader = DefaultActorHeader
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With("component", "api")
	return h, nil
}

func (h *AuctionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/events", h.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)

		r.Post("/v1/auctions", h.handleCreateAuction)
		r.Get("/v1/auctions/{auctionId}", h.handleGetAuction)
		r.Get("/v1/auctions/{auctionId}/ranking", h.handleRanking)
		r.Post("/v1/auctions/{auctionId}/bids", h.handleSubmitBid)
		r.Post("/v1/auctions/{auctionId}/cancel", h.handleCancel)
		r.Post("/v1/auctions/{auctionId}/reveal", h.handleReveal)
		r.Post("/v1/auctions/{auctionId}/settle", h.handleSettle)
		r.Post("/v1/auctions/{auctionId}/refund", h.handleRefund)
		r.Get("/v1/transactions/{signature}", h.handleConfirm)
	})
}

// rateLimit applies the general API policy per network origin. RealIP has
// already rewritten RemoteAddr from forwarding headers.
func (h *AuctionHandler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := h.limiter.Check(r.Context(), ratelimit.KindAPI, origin(r))
		if err != nil {
			h.writeError(w, r, apperr.Internal(err))
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			retry := int(time.Until(res.ResetAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			e := apperr.RateLimited(fmt.Sprintf("api limit of %d reached", res.Limit))
			e.Fields = map[string]string{"resetAt": res.ResetAt.Format(time.RFC3339)}
			h.writeError(w, r, e)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func origin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *AuctionHandler) actor(r *http.Request) string {
	return r.Header.Get(h.actorHeader)
}

func (h *AuctionHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		h.writeError(w, r, apperr.Reconciliation("unreadable event batch", err))
		return
	}
	res, err := h.events.HandleBatch(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AuctionHandler) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req services.CreateAuctionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Seller = h.actor(r)
	resp, err := h.auctions.CreateAuction(r.Context(), req)
	h.respond(w, r, http.StatusCreated, resp, err)
}

func (h *AuctionHandler) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	resp, err := h.auctions.GetAuction(r.Context(), chi.URLParam(r, "auctionId"))
	h.respond(w, r, http.StatusOK, resp, err)
}

func (h *AuctionHandler) handleRanking(w http.ResponseWriter, r *http.Request) {
	resp, err := h.auctions.Ranking(r.Context(), chi.URLParam(r, "auctionId"))
	h.respond(w, r, http.StatusOK, resp, err)
}

func (h *AuctionHandler) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req services.SubmitBidRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.AuctionID = chi.URLParam(r, "auctionId")
	req.Bidder = h.actor(r)
	resp, err := h.auctions.SubmitBid(r.Context(), req)
	h.respond(w, r, http.StatusCreated, resp, err)
}

func (h *AuctionHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req services.CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.AuctionID = chi.URLParam(r, "auctionId")
	req.Seller = h.actor(r)
	resp, err := h.auctions.CancelAuction(r.Context(), req)
	h.respond(w, r, http.StatusOK, resp, err)
}

func (h *AuctionHandler) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req services.RevealRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.AuctionID = chi.URLParam(r, "auctionId")
	req.Bidder = h.actor(r)
	resp, err := h.auctions.BuildReveal(r.Context(), req)
	h.respond(w, r, http.StatusOK, resp, err)
}

func (h *AuctionHandler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req services.SettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.AuctionID = chi.URLParam(r, "auctionId")
	req.Payer = h.actor(r)
	resp, err := h.auctions.BuildSettle(r.Context(), req)
	h.respond(w, r, http.StatusOK, resp, err)
}

func (h *AuctionHandler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req services.RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.AuctionID = chi.URLParam(r, "auctionId")
	req.Bidder = h.actor(r)
	resp, err := h.auctions.ClaimRefund(r.Context(), req)
	h.respond(w, r, http.StatusOK, resp, err)
}

func (h *AuctionHandler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var height uint64
	if s := r.URL.Query().Get("lastValidBlockHeight"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			h.writeError(w, r, apperr.Validation("invalid query", map[string]string{"lastValidBlockHeight": "must be an unsigned integer"}))
			return
		}
		height = v
	}
	resp, err := h.auctions.ConfirmTransaction(r.Context(), chi.URLParam(r, "signature"), height)
	h.respond(w, r, http.StatusOK, resp, err)
}

// decode reads a JSON body into v. An empty body leaves v zeroed.
func (h *AuctionHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	h.writeError(w, r, apperr.Validation("malformed request body", map[string]string{"body": err.Error()}))
	return false
}

func (h *AuctionHandler) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func (h *AuctionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.Write(w, err)
	if e.Kind == apperr.KindInternal {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
