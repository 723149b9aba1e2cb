package spinegate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one spinegate server. Safe for concurrent use.
type Client struct {
	base *url.URL
	cfg  clientConfig
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("spinegate: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("spinegate: base url must be http or https, got %q", baseURL)
	}
	cfg := clientConfig{httpClient: http.DefaultClient}
	for _, o := range opts {
		o(&cfg)
	}
	return &Client{base: u, cfg: cfg}, nil
}

// Do sends one command envelope as is.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("spinegate: encode request: %w", err)
	}
	var resp Response
	if err := c.call(ctx, http.MethodPost, "/v1/commands", nil, body, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Run sends text with the client's default context.
func (c *Client) Run(ctx context.Context, text string) (Response, error) {
	return c.Do(ctx, Request{Text: text, Context: c.cfg.context})
}

// Confirm replays text with a confirmation token from an earlier response.
func (c *Client) Confirm(ctx context.Context, text, token string) (Response, error) {
	return c.Do(ctx, Request{Text: text, Context: c.cfg.context, ConfirmationToken: token})
}

// RunConfirmed runs text and, when the server asks for confirmation, calls
// approve with the prompt. On approval the command is replayed once with the
// issued token; otherwise the confirmation response is returned unchanged.
func (c *Client) RunConfirmed(ctx context.Context, text string, approve func(prompt string) bool) (Response, error) {
	resp, err := c.Run(ctx, text)
	if err != nil {
		return resp, err
	}
	token, ok := ConfirmationToken(resp)
	if !ok || approve == nil || !approve(resp.Data.Final.Message) {
		return resp, nil
	}
	return c.Confirm(ctx, text, token)
}

// Pending lists open confirmations visible to the caller.
func (c *Client) Pending(ctx context.Context) ([]Record, error) {
	var out struct {
		Pending []Record `json:"pending"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/pending", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Pending, nil
}

// Verify checks audit chain integrity on the server. An empty chain name
// verifies every chain.
func (c *Client) Verify(ctx context.Context, chain string) (Verification, error) {
	var q url.Values
	if chain != "" {
		q = url.Values{"chain": {chain}}
	}
	var out Verification
	if err := c.call(ctx, http.MethodGet, "/v1/audit/verify", q, nil, &out); err != nil {
		return Verification{}, err
	}
	return out, nil
}

// Healthy reports whether the server answers its health check.
func (c *Client) Healthy(ctx context.Context) error {
	var out map[string]string
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil, &out)
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	u := *c.base
	u.Path += path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("spinegate: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.bearer)
	}

	res, err := c.cfg.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("spinegate: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("spinegate: read response: %w", err)
	}

	// A 400 on /v1/commands still carries a full envelope.
	envelope, isEnvelope := out.(*Response)
	if res.StatusCode == http.StatusOK || (isEnvelope && res.StatusCode == http.StatusBadRequest) {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("spinegate: decode response: %w", err)
		}
		if isEnvelope && res.StatusCode == http.StatusBadRequest && envelope.Error == nil {
			return statusError(res, data)
		}
		return nil
	}
	return statusError(res, data)
}

func statusError(res *http.Response, data []byte) error {
	se := &StatusError{Status: res.StatusCode}
	var env Response
	if err := json.Unmarshal(data, &env); err == nil && env.Error != nil {
		se.Code = env.Error.Code
		se.Message = env.Error.Message
	}
	if s := res.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}

// IsRateLimited reports whether err is a 429 from the server.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusTooManyRequests
}
