package execution

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"blockflow/internal/models"
)

// APIHandler executes generic HTTP tool blocks. Outbound requests share one rate
// limiter so a loop or parallel fan-out cannot flood a remote API.
//
// Config:
//   - method, url, queryParams, headers, body
//   - authType: none | bearer | basic | api_key, with authConfig
type APIHandler struct {
	KindHandler
	client  *http.Client
	limiter *rate.Limiter
}

// NewAPIHandler creates the handler. requestsPerSecond <= 0 disables rate limiting.
func NewAPIHandler(client *http.Client, requestsPerSecond float64) *APIHandler {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &APIHandler{KindHandler: KindHandler(models.KindAPI), client: client, limiter: limiter}
}

func (h *APIHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	block := req.Block
	config := req.Config

	method := strings.ToUpper(getString(config, "method", "GET"))
	reqURL := getString(config, "url", "")
	if reqURL == "" {
		return map[string]any{"error": "api: url is required"}, nil
	}

	if qp := getMap(config, "queryParams"); qp != nil {
		parsed, err := url.Parse(reqURL)
		if err != nil {
			return map[string]any{"error": fmt.Sprintf("api: invalid url: %v", err)}, nil
		}
		q := parsed.Query()
		for k, v := range qp {
			q.Set(k, stringify(v))
		}
		parsed.RawQuery = q.Encode()
		reqURL = parsed.String()
	}

	var body io.Reader
	switch b := config["body"].(type) {
	case nil:
	case string:
		if b != "" {
			body = strings.NewReader(b)
		}
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return map[string]any{"error": fmt.Sprintf("api: failed to marshal body: %v", err)}, nil
		}
		body = strings.NewReader(string(data))
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("api: failed to create request: %v", err)}, nil
	}
	for key, value := range getMap(config, "headers") {
		httpReq.Header.Set(key, stringify(value))
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	applyAuth(httpReq, getString(config, "authType", "none"), getMap(config, "authConfig"))

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	logrus.Debugf("🌐 [API] Block '%s': %s %s", block.Name, method, reqURL)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: failed to read response: %w", err)
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}
	headers := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	response := map[string]any{
		"data":    data,
		"status":  resp.StatusCode,
		"headers": headers,
	}

	if resp.StatusCode >= 400 {
		classified := ClassifyHTTPError(resp.StatusCode, string(raw))
		if classified.Retryable {
			return nil, classified
		}
		// with failOnError off the status is data for downstream blocks
		if !getBool(config, "failOnError", true) {
			return map[string]any{"response": response}, nil
		}
		logrus.Warnf("⚠️ [API] Block '%s': HTTP %d (%s)", block.Name, resp.StatusCode, classified.Category)
		return map[string]any{"response": response, "error": classified.Error()}, nil
	}

	return map[string]any{"response": response}, nil
}

func applyAuth(req *http.Request, authType string, authConfig map[string]any) {
	if authConfig == nil {
		return
	}
	switch authType {
	case "bearer":
		if token := getString(authConfig, "token", ""); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "basic":
		username := getString(authConfig, "username", "")
		password := getString(authConfig, "password", "")
		if username != "" {
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
		}
	case "api_key":
		if key := getString(authConfig, "key", ""); key != "" {
			req.Header.Set(getString(authConfig, "headerName", "X-API-Key"), key)
		}
	}
}
