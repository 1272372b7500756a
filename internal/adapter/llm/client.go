// Package llm drafts narratives with an OpenAI-compatible chat completions
// endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/grounding"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float32   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// Client implements grounding.Generator.
type Client struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

// NewClient creates a chat client. baseURL may omit the /v1 suffix.
func NewClient(baseURL, model, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: normalizeBaseURL(baseURL),
		model:   model,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

const systemPrompt = `You write short factual summaries of forest disturbance monitoring data.
Every number you write must be one of the supplied facts, written as an inline
reference: [[metric_key: value]], for example [[disturbance_area_ha: 12,450]].
Do not write any other numbers. Do not speculate about causes or forecasts.
Dates may be written as YYYY-MM-DD.`

// Generate implements grounding.Generator.
func (c *Client) Generate(ctx context.Context, req grounding.NarrativeRequest) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
		Temperature: 0,
		MaxTokens:   400,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("llm request failed: status %s", resp.Status)
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("response missing choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("response empty")
	}
	return content, nil
}

func userPrompt(req grounding.NarrativeRequest) string {
	var b strings.Builder
	m := req.Metric
	fmt.Fprintf(&b, "Region: %s\n", req.Region.Name)
	fmt.Fprintf(&b, "Period: %s to %s (end exclusive)\n", m.PeriodStart.UTC().Format(time.DateOnly), m.PeriodEnd.UTC().Format(time.DateOnly))
	b.WriteString("Facts:\n")

	keys := make([]string, 0, len(req.Facts))
	for k := range req.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s = %s\n", k, req.Facts[k].Value.String())
	}
	if m.LowData {
		b.WriteString("Note: few alerts contributed to this period; say the figures carry low confidence.\n")
	}

	if len(req.Hints) > 0 {
		b.WriteString("\nYour previous draft was rejected. Fix these claims:\n")
		for _, h := range req.Hints {
			key := h.Claim.Key
			if key == "" {
				key = "(no reference)"
			}
			fmt.Fprintf(&b, "- %q as %s: %s", h.Claim.Raw, key, h.Reason)
			if h.Expected != nil {
				fmt.Fprintf(&b, " (stored value %s)", h.Expected.String())
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return "http://localhost:1234/v1"
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}
