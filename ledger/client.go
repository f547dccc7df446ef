package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/flashbots/sealbid/crypto"
)

const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	commitmentConfirmed   = "confirmed"
)

type ClientConfig struct {
	URL            string
	HTTPClient     *http.Client
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Client speaks JSON-RPC 2.0 to a single ledger node.
type Client struct {
	url          string
	http         *http.Client
	confirmAfter time.Duration
	poll         time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		url:          cfg.URL,
		http:         cfg.HTTPClient,
		confirmAfter: cfg.ConfirmTimeout,
		poll:         cfg.PollInterval,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.confirmAfter <= 0 {
		c.confirmAfter = DefaultConfirmTimeout
	}
	if c.poll <= 0 {
		c.poll = DefaultPollInterval
	}
	return c
}

func (c *Client) Endpoint() string { return c.url }

func (c *Client) call(ctx context.Context, method string, params []any, reply any) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

type commitmentOpts struct {
	Commitment string `json:"commitment,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

func (c *Client) GetLatestReference(ctx context.Context) (Reference, error) {
	var out struct {
		Value Reference `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{commitmentOpts{Commitment: commitmentConfirmed}}, &out); err != nil {
		return Reference{}, err
	}
	if out.Value.Blockhash == "" {
		return Reference{}, errors.New("getLatestBlockhash: empty blockhash")
	}
	return out.Value, nil
}

type signatureStatus struct {
	Slot               uint64 `json:"slot"`
	Err                any    `json:"err"`
	ConfirmationStatus string `json:"confirmationStatus"`
}

func (c *Client) signatureStatus(ctx context.Context, signature string) (*signatureStatus, error) {
	var out struct {
		Value []*signatureStatus `json:"value"`
	}
	params := []any{[]string{signature}, map[string]bool{"searchTransactionHistory": false}}
	if err := c.call(ctx, "getSignatureStatuses", params, &out); err != nil {
		return nil, err
	}
	if len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

func (c *Client) blockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.call(ctx, "getBlockHeight", []any{commitmentOpts{Commitment: commitmentConfirmed}}, &height)
	return height, err
}

func (c *Client) ConfirmTransaction(ctx context.Context, signature string, ref Reference) (Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmAfter)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		status, err := c.signatureStatus(ctx, signature)
		if err != nil {
			return Confirmation{}, err
		}
		if status != nil {
			if status.Err != nil {
				return Confirmation{}, fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return Confirmation{Signature: signature, Slot: status.Slot, ConfirmationStatus: status.ConfirmationStatus}, nil
			}
		} else if ref.LastValidBlockHeight > 0 {
			height, err := c.blockHeight(ctx)
			if err != nil {
				return Confirmation{}, err
			}
			if height > ref.LastValidBlockHeight {
				return Confirmation{}, ErrBlockhashExpired
			}
		}

		select {
		case <-ctx.Done():
			return Confirmation{}, fmt.Errorf("confirm %s: %w", signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) GetAccountInfo(ctx context.Context, address crypto.PublicKey) (AccountInfo, error) {
	var out struct {
		Value *struct {
			Owner      string   `json:"owner"`
			Lamports   uint64   `json:"lamports"`
			Executable bool     `json:"executable"`
			Data       []string `json:"data"`
		} `json:"value"`
	}
	params := []any{address.String(), commitmentOpts{Commitment: commitmentConfirmed, Encoding: "base64"}}
	if err := c.call(ctx, "getAccountInfo", params, &out); err != nil {
		return AccountInfo{}, err
	}
	if out.Value == nil {
		return AccountInfo{}, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	owner, err := crypto.NewPublicKeyFromString(out.Value.Owner)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("account owner: %w", err)
	}
	info := AccountInfo{Owner: owner, Lamports: out.Value.Lamports, Executable: out.Value.Executable}
	if len(out.Value.Data) > 0 {
		info.Data, err = base64.StdEncoding.DecodeString(out.Value.Data[0])
		if err != nil {
			return AccountInfo{}, fmt.Errorf("account data: %w", err)
		}
	}
	return info, nil
}

func (c *Client) Health(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", []any{}, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("getHealth: %s", status)
	}
	return nil
}
