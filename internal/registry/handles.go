package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/leifmarkthaler/gleitzeit/internal/errkind"
	"github.com/leifmarkthaler/gleitzeit/internal/natshub"
)

// LocalFunc is a provider implemented as an in-process Go function, used by
// tests and for protocols (like echo/v1) that need no external process.
type LocalFunc func(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error)

type localHandle struct{ fn LocalFunc }

// NewLocalHandle wraps an in-process function as a provider Handle.
func NewLocalHandle(fn LocalFunc) Handle { return &localHandle{fn: fn} }

func (h *localHandle) Invoke(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	return h.fn(ctx, method, params)
}

func (h *localHandle) Kind() string { return "local" }

// httpHandle dispatches to an HTTP provider endpoint. One request is issued
// per invocation: POST <baseURL> with a JSON body {"method", "params"}.
type httpHandle struct {
	baseURL string
	client  *http.Client
	tracer  trace.Tracer
}

// NewHTTPHandle builds a Handle that calls an HTTP provider, matching the
// engine's provider invocation contract: a request carrying method+params
// and a response carrying result or a structured error.
func NewHTTPHandle(baseURL string, client *http.Client) Handle {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &httpHandle{baseURL: baseURL, client: client, tracer: otel.Tracer("gleitzeit-registry-http")}
}

func (h *httpHandle) Invoke(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := h.tracer.Start(ctx, "provider.invoke.http",
		trace.WithAttributes(attribute.String("method", method)))
	defer span.End()

	payload := map[string]interface{}{"method": method, "params": params}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindProviderUnavailable, "http dispatch failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindProviderUnavailable, "read response", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 500 {
		return nil, errkind.New(errkind.KindProviderUnavailable, fmt.Sprintf("http %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode >= 400 {
		return nil, errkind.New(errkind.KindValidation, fmt.Sprintf("http %d: %s", resp.StatusCode, respBody))
	}

	var parsed struct {
		Result map[string]interface{} `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errkind.Wrap(errkind.KindProviderUnavailable, "decode response", err)
	}
	if parsed.Error != nil {
		return nil, errkind.New(errkind.KindProviderUnavailable, parsed.Error.Message)
	}
	return parsed.Result, nil
}

func (h *httpHandle) Kind() string { return "http" }

// headerCarrier adapts http.Header for OpenTelemetry trace propagation.
type headerCarrier struct{ header http.Header }

func (hc *headerCarrier) Get(key string) string { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, value string) { hc.header.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}

// hubHandle dispatches through a NATS request/reply subject, for providers
// that live behind the event hub rather than in-process or over plain HTTP.
// The hub's wire format is out of scope; this only needs one subject and a
// JSON envelope matching the provider invocation contract.
type hubHandle struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NewHubHandle wraps a NATS connection as a provider Handle, publishing an
// invocation request and waiting for the correlated reply.
func NewHubHandle(conn *nats.Conn, subject string, timeout time.Duration) Handle {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &hubHandle{conn: conn, subject: subject, timeout: timeout}
}

func (h *hubHandle) Invoke(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	payload := map[string]interface{}{"method": method, "params": params}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "marshal request", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	msg, err := natshub.Request(ctx, h.conn, h.subject, data)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindProviderUnavailable, "hub request failed", err)
	}

	var parsed struct {
		Result map[string]interface{} `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &parsed); err != nil {
		return nil, errkind.Wrap(errkind.KindProviderUnavailable, "decode hub reply", err)
	}
	if parsed.Error != nil {
		return nil, errkind.New(errkind.KindProviderUnavailable, parsed.Error.Message)
	}
	return parsed.Result, nil
}

func (h *hubHandle) Kind() string { return "hub" }
