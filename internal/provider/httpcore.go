package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/internal/config"
)

const userAgent = "Aratta/0.1.0"

// httpCore is the outbound HTTP plumbing shared by all adapters: auth
// headers per the mapping spec, JSON round-trips, SSE line scanning, and
// error classification.
type httpCore struct {
	name   string
	cfg    *config.Provider
	handle *Handle
	client *http.Client
	drift  DriftRecorder
	log    *zap.Logger
}

func newHTTPCore(cfg *config.Provider, handle *Handle, drift DriftRecorder, log *zap.Logger) *httpCore {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpCore{
		name:   cfg.Name,
		cfg:    cfg,
		handle: handle,
		client: &http.Client{Timeout: timeout},
		drift:  drift,
		log:    log.Named(cfg.Name),
	}
}

// pin returns the live spec for the duration of one request.
func (c *httpCore) pin() *VersionedSpec {
	return c.handle.Current()
}

func (c *httpCore) headers(spec *MappingSpec) map[string]string {
	h := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   userAgent,
	}
	switch spec.AuthStyle {
	case AuthBearer:
		h["Authorization"] = "Bearer " + c.cfg.APIKey()
	case AuthXAPIKey:
		h["x-api-key"] = c.cfg.APIKey()
	case AuthGoogle:
		h["x-goog-api-key"] = c.cfg.APIKey()
	}
	for k, v := range spec.ExtraHeaders {
		h[k] = v
	}
	return h
}

// doJSON performs one JSON round-trip. Non-2xx statuses are classified
// into AdapterErrors; the body is returned raw for the caller to decode.
func (c *httpCore) doJSON(ctx context.Context, spec *MappingSpec, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, aerrors.AdapterWrap(aerrors.KindValidation, c.name, "encoding request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindValidation, c.name, "building request", err)
	}
	for k, v := range c.headers(spec) {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, aerrors.AdapterWrap(aerrors.ClassifyErr(err), c.name, "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindTransient, c.name, "reading response", err)
	}

	if resp.StatusCode >= 400 {
		kind := aerrors.ClassifyStatus(resp.StatusCode, string(payload))
		return nil, &aerrors.AdapterError{
			Kind:     kind,
			Provider: c.name,
			Status:   resp.StatusCode,
			Message:  extractAPIError(payload, resp.StatusCode),
		}
	}
	return payload, nil
}

// doStream opens a streaming request and returns the response body for
// SSE scanning. The caller owns closing it.
func (c *httpCore) doStream(ctx context.Context, spec *MappingSpec, path string, body any) (io.ReadCloser, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindValidation, c.name, "encoding request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindValidation, c.name, "building request", err)
	}
	for k, v := range c.headers(spec) {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, aerrors.AdapterWrap(aerrors.ClassifyErr(err), c.name, "stream request failed", err)
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		kind := aerrors.ClassifyStatus(resp.StatusCode, string(payload))
		return nil, &aerrors.AdapterError{
			Kind:     kind,
			Provider: c.name,
			Status:   resp.StatusCode,
			Message:  extractAPIError(payload, resp.StatusCode),
		}
	}
	return resp.Body, nil
}

// scanSSE reads provider SSE lines and invokes handle for each data frame
// until the done marker, EOF, or context cancellation.
func (c *httpCore) scanSSE(ctx context.Context, spec *MappingSpec, body io.ReadCloser, handle func(raw string) bool) error {
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, spec.Stream.DataPrefix) {
			continue
		}
		raw := strings.TrimPrefix(line, spec.Stream.DataPrefix)
		if spec.Stream.DoneMarker != "" && strings.TrimSpace(raw) == spec.Stream.DoneMarker {
			return nil
		}
		if !handle(raw) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return aerrors.AdapterWrap(aerrors.KindStreamFormatDrift, c.name, "stream truncated", err)
	}
	return nil
}

// recordDrift signals an unmappable-but-survivable field to the health
// monitor instead of failing the request.
func (c *httpCore) recordDrift(model, detail string) {
	if c.drift != nil {
		c.drift(c.name, model, detail)
	}
	c.log.Warn("schema drift", zap.String("detail", detail))
}

// usageInt reads a spec-named usage field from a decoded usage object.
// A missing optional field returns ok=false without drift; callers decide
// which absences are load-bearing.
func usageInt(usage map[string]any, field string) (int, bool) {
	if field == "" || usage == nil {
		return 0, false
	}
	v, ok := usage[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func extractAPIError(payload []byte, status int) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return fmt.Sprintf("status %d: %s", status, aerrors.TruncateMessage(string(payload), 200))
}
