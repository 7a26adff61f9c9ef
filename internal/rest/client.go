// Package rest implements the HTTP collaborators: entity snapshots used to
// prime caches and the agent-wallet authorization endpoints.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/lumetrade/streamcore/config"
	"github.com/lumetrade/streamcore/errs"
	"github.com/lumetrade/streamcore/internal/auth"
	"github.com/lumetrade/streamcore/internal/retry"
	"github.com/lumetrade/streamcore/internal/schema"
)

// AgentWallet is the server's response to an agent-wallet creation request.
// The user signs MessageToSign with the primary wallet to approve delegation.
type AgentWallet struct {
	Address       string `json:"address"`
	MessageToSign string `json:"messageToSign"`
}

// AgentStatus reports the server-side view of a delegated agent wallet.
type AgentStatus struct {
	Address   string    `json:"address"`
	Approved  bool      `json:"approved"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client talks to the trading REST API. Safe for concurrent use; each request
// runs under its own retry executor so failures on one call never delay another.
type Client struct {
	baseURL string
	http    *http.Client
	store   auth.Store
	retry   retry.Config
}

// NewClient constructs a client bound to the credential store. The store
// supplies the bearer token for authenticated endpoints.
func NewClient(cfg config.RESTSettings, store auth.Store) *Client {
	c := new(Client)
	c.baseURL = cfg.BaseURL
	c.http = &http.Client{Timeout: cfg.Timeout}
	c.store = store
	c.retry = retry.Config{
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
	}
	return c
}

// ActiveAssets fetches the current tradable asset snapshots.
func (c *Client) ActiveAssets(ctx context.Context) ([]schema.Asset, error) {
	var resp struct {
		Assets []schema.Asset `json:"assets"`
	}
	if err := c.do(ctx, "rest/active-assets", http.MethodGet, "/v1/assets/active", nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Assets, nil
}

// Positions fetches open position snapshots for the wallet.
func (c *Client) Positions(ctx context.Context, wallet string) ([]schema.Position, error) {
	if wallet == "" {
		return nil, errs.New("rest/positions", errs.CodeInvalid, errs.WithMessage("wallet address required"))
	}
	var resp struct {
		Positions []schema.Position `json:"positions"`
	}
	path := "/v1/wallets/" + wallet + "/positions"
	if err := c.do(ctx, "rest/positions", http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// CreateAgentWallet asks the server to provision a delegated agent wallet for
// the primary wallet and returns the approval message the user must sign.
func (c *Client) CreateAgentWallet(ctx context.Context, wallet string) (AgentWallet, error) {
	req := map[string]string{"wallet": wallet}
	var resp AgentWallet
	err := c.do(ctx, "rest/create-agent", http.MethodPost, "/v1/agent-wallets", req, &resp, true)
	return resp, err
}

// ApproveAgentWallet submits the signed approval message for the agent wallet.
func (c *Client) ApproveAgentWallet(ctx context.Context, address, signature string) error {
	req := map[string]string{"address": address, "signature": signature}
	return c.do(ctx, "rest/approve-agent", http.MethodPost, "/v1/agent-wallets/approve", req, nil, true)
}

// QueryAgentWallet fetches the server-side status of an agent wallet, used to
// validate persisted credentials on startup.
func (c *Client) QueryAgentWallet(ctx context.Context, address string) (AgentStatus, error) {
	var resp AgentStatus
	err := c.do(ctx, "rest/query-agent", http.MethodGet, "/v1/agent-wallets/"+address, nil, &resp, true)
	return resp, err
}

// ApproveBuilderFee submits the signed builder-fee approval, the final step of
// the authorization sequence.
func (c *Client) ApproveBuilderFee(ctx context.Context, wallet, signature string) error {
	req := map[string]string{"wallet": wallet, "signature": signature}
	return c.do(ctx, "rest/approve-builder-fee", http.MethodPost, "/v1/builder-fee/approve", req, nil, true)
}

// do runs one logical request under a fresh retry executor. Server-side and
// transport failures are retried; authorization and validation failures are not.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any, authed bool) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("encode request body"), errs.WithCause(err))
		}
		payload = data
	}

	exec := retry.New(op, c.retry)
	return exec.ExecuteRetryIf(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, op, method, path, payload, out, authed)
	}, retriable)
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload []byte, out any, authed bool) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, ok := c.store.Get(auth.KeyBearerToken)
		if !ok || token == "" {
			return errs.New(op, errs.CodeUnauthorized, errs.WithMessage("no bearer token in credential store"))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(op, errs.CodeTransport, errs.WithCause(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(readAPIError(resp.Body)),
			errs.WithRemediation("reconnect the wallet and re-run agent approval"))
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(op, errs.CodeNotFound, errs.WithHTTP(resp.StatusCode), errs.WithMessage(readAPIError(resp.Body)))
	case resp.StatusCode >= 500:
		return errs.New(op, errs.CodeUnavailable, errs.WithHTTP(resp.StatusCode), errs.WithMessage(readAPIError(resp.Body)))
	default:
		return errs.New(op, errs.CodeInvalid, errs.WithHTTP(resp.StatusCode), errs.WithMessage(readAPIError(resp.Body)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(op, errs.CodeProtocol, errs.WithMessage("decode response body"), errs.WithCause(err))
	}
	return nil
}

// retriable accepts transport and server-side failures; everything the caller
// can not fix by waiting (auth, validation, missing resources) fails fast.
func retriable(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeTransport, errs.CodeUnavailable:
		return true
	default:
		return false
	}
}

func readAPIError(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("request failed: %s", truncate(string(data), 256))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
