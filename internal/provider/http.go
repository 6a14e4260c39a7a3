package provider

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"

	"llmgate/internal/credential"
)

// HTTPConfig configures an HTTP chat-completion adapter.
type HTTPConfig struct {
	Name     string
	Family   string
	Endpoint string
	// Ceiling caps any single call regardless of caller budget.
	Ceiling time.Duration
	// RateLimitRPS throttles outgoing calls; 0 disables the limiter.
	RateLimitRPS   float64
	RateLimitBurst int
	Secrets        SecretResolver
	// Client overrides the HTTP client in tests.
	Client *http.Client
}

// HTTPAdapter talks to a metered chat-completion API. The credential secret
// is attached per request as a bearer token and never logged; upstream HTTP
// statuses surface verbatim in RawFailure for the classifier.
type HTTPAdapter struct {
	cfg     HTTPConfig
	cli     *http.Client
	limiter *rate.Limiter
	secrets SecretResolver
}

const (
	defaultHTTPCeiling     = 120 * time.Second
	maxFailureBodyBytes    = 8 << 10
	defaultRateLimitBurst  = 1
	dialTimeout            = 10 * time.Second
	tlsHandshakeTimeout    = 10 * time.Second
	responseHeaderDeadline = 30 * time.Second
)

// NewHTTPAdapter builds the adapter with its own pooled transport.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultHTTPCeiling
	}
	cli := cfg.Client
	if cli == nil {
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   tlsHandshakeTimeout,
			ResponseHeaderTimeout: responseHeaderDeadline,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		}
		cli = &http.Client{Transport: tr, Timeout: 0}
	}
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = defaultRateLimitBurst
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	secrets := cfg.Secrets
	if secrets == nil {
		secrets = DefaultResolver()
	}
	return &HTTPAdapter{cfg: cfg, cli: cli, limiter: limiter, secrets: secrets}
}

func (a *HTTPAdapter) Name() string                  { return a.cfg.Name }
func (a *HTTPAdapter) Family() string                { return a.cfg.Family }
func (a *HTTPAdapter) TimeoutCeiling() time.Duration { return a.cfg.Ceiling }

func (a *HTTPAdapter) InvokeRaw(ctx context.Context, cred *credential.Credential, req Request) (*RawResponse, *RawFailure) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, &RawFailure{Err: err}
		}
	}

	bearer, err := a.secrets.Resolve(ctx, cred.SecretRef)
	if err != nil {
		// A dead secret reference behaves like an auth failure so the pool
		// exhausts the credential instead of retrying it forever.
		return nil, &RawFailure{Status: http.StatusUnauthorized, Body: []byte(err.Error())}
	}

	payload, err := buildChatPayload(req)
	if err != nil {
		return nil, &RawFailure{Malformed: "build request payload: " + err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Ceiling)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &RawFailure{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := a.cli.Do(httpReq)
	if err != nil {
		return nil, &RawFailure{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxFailureBodyBytes))
		return nil, &RawFailure{Status: resp.StatusCode, Header: resp.Header, Body: body}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RawFailure{Err: err}
	}
	return parseChatResponse(body)
}

func buildChatPayload(req Request) ([]byte, error) {
	payload := []byte(`{}`)
	var err error
	if payload, err = sjson.SetBytes(payload, "model", req.Model); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "messages.0.role", "user"); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "messages.0.content", req.Prompt); err != nil {
		return nil, err
	}
	if req.MaxOutputTokens > 0 {
		if payload, err = sjson.SetBytes(payload, "max_tokens", req.MaxOutputTokens); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func parseChatResponse(body []byte) (*RawResponse, *RawFailure) {
	if !gjson.ValidBytes(body) {
		return nil, &RawFailure{Malformed: "response is not valid JSON"}
	}
	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return nil, &RawFailure{Malformed: "response carries no message content"}
	}

	finish := FinishComplete
	switch gjson.GetBytes(body, "choices.0.finish_reason").String() {
	case "length", "max_tokens", "max_output_tokens":
		finish = FinishTruncated
	}

	return &RawResponse{
		Text:         content.String(),
		FinishReason: finish,
		InputTokens:  gjson.GetBytes(body, "usage.prompt_tokens").Int(),
		OutputTokens: gjson.GetBytes(body, "usage.completion_tokens").Int(),
	}, nil
}
