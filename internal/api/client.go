// Package api is the HTTP client for the OCR backend. Every call attaches a
// bearer token when one is available and fails with a normalized *Error.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const DefaultTimeout = 30 * time.Second

type Options struct {
	BaseURL string
	Timeout time.Duration
	// Tokens supplies the bearer token; nil means anonymous requests.
	Tokens oauth2.TokenSource
	// OnUnauthorized runs once, the first time the backend answers 401.
	OnUnauthorized func()
	HTTPClient     *http.Client
	Log            *zap.Logger

	OutputFormat          string
	ConsolidationStrategy string
}

type Client struct {
	base          string
	http          *http.Client
	tokens        oauth2.TokenSource
	log           *zap.Logger
	outputFormat  string
	consolidation string

	onUnauthorized func()
	signOutOnce    sync.Once
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		base:           strings.TrimRight(opts.BaseURL, "/"),
		http:           hc,
		tokens:         opts.Tokens,
		log:            log,
		outputFormat:   opts.OutputFormat,
		consolidation:  opts.ConsolidationStrategy,
		onUnauthorized: opts.OnUnauthorized,
	}
	if c.outputFormat == "" {
		c.outputFormat = "xlsx"
	}
	if c.consolidation == "" {
		c.consolidation = "consolidated"
	}
	return c
}

func (c *Client) BaseURL() string { return c.base }

// request describes one call. Exactly one of body or jsonBody is used.
type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	jsonBody    interface{}
	body        io.Reader
	contentType string
}

// send performs req and returns the response for a 2xx status. Any other
// outcome is returned as *Error and the body is closed.
func (c *Client) send(ctx context.Context, req request) (*http.Response, error) {
	body := req.body
	contentType := req.contentType
	if req.jsonBody != nil {
		data, err := json.Marshal(req.jsonBody)
		if err != nil {
			return nil, &Error{Op: req.op, Detail: err.Error(), Err: err}
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	u := c.base + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return nil, &Error{Op: req.op, Detail: err.Error(), Err: err}
	}
	reqID := uuid.NewString()
	httpReq.Header.Set("X-Request-ID", reqID)
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if token := c.accessToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Warn("request failed", zap.String("op", req.op), zap.String("request_id", reqID), zap.Error(err))
		return nil, &Error{Op: req.op, Detail: NoResponseDetail, RequestID: reqID, Err: err}
	}
	c.log.Debug("response",
		zap.String("op", req.op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("request_id", reqID),
	)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &Error{
		Op:         req.op,
		StatusCode: resp.StatusCode,
		Detail:     errorDetail(data),
		RequestID:  reqID,
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.signOut()
	}
	return nil, apiErr
}

// do sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: req.op, StatusCode: resp.StatusCode, Detail: "invalid response from server", Err: err}
	}
	return nil
}

// stream sends req and copies the response body to w.
func (c *Client) stream(ctx context.Context, req request, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &Error{Op: req.op, Detail: NoResponseDetail, Err: err}
	}
	return n, nil
}

// accessToken returns the current token, or "" to proceed anonymously.
func (c *Client) accessToken() string {
	if c.tokens == nil {
		return ""
	}
	tok, err := c.tokens.Token()
	if err != nil {
		c.log.Warn("access token unavailable", zap.Error(err))
		return ""
	}
	return tok.AccessToken
}

// AccessToken exposes the bearer token for the event stream URL.
func (c *Client) AccessToken() string {
	return c.accessToken()
}

func (c *Client) signOut() {
	c.signOutOnce.Do(func() {
		c.log.Warn("unauthorized; signing out")
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
	})
}

// errorDetail extracts message or detail from an error body. detail may be
// a string or structured validation output.
func errorDetail(data []byte) string {
	var body struct {
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return DefaultDetail
	}
	if body.Message != "" {
		return body.Message
	}
	if len(body.Detail) == 0 || string(body.Detail) == "null" {
		return DefaultDetail
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		if s == "" {
			return DefaultDetail
		}
		return s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body.Detail); err != nil {
		return DefaultDetail
	}
	return compact.String()
}

// isCanceled reports whether err came from the caller's context.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
