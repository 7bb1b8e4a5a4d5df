// Package kb provides the client for the external knowledge-base service.
//
// The gateway consults the knowledge base when a session carries an agent id:
// a grounded answer with enough substance short-circuits the LLM entirely,
// while supporting chunks are injected into the system prompt so the model
// answers from retrieved context instead of inventing policy details.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// minConfidentLength is the shortest grounded answer treated as authoritative.
// Shorter answers are usually the service hedging.
const minConfidentLength = 20

const defaultTimeout = 5 * time.Second

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, e.g. for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(k *Client) {
		k.httpClient = c
	}
}

// Client calls the knowledge-base grounded-answer endpoint.
type Client struct {
	baseURL    string
	sentinel   string
	httpClient *http.Client
}

// New creates a knowledge-base client. sentinel is the exact answer text the
// service returns when retrieval found nothing useful; such answers are never
// treated as confident.
func New(baseURL, sentinel string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("kb: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		sentinel:   sentinel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type groundedRequest struct {
	Query   string `json:"query"`
	AgentID string `json:"agentId"`
}

type groundedResponse struct {
	Answer string   `json:"answer"`
	Chunks []string `json:"chunks"`
}

// GroundedAnswer asks the knowledge base for an answer to query scoped to the
// agent's documents. It returns the service's answer (possibly empty or the
// insufficient sentinel) and any supporting chunks.
func (c *Client) GroundedAnswer(ctx context.Context, query, agentID string) (string, []string, error) {
	body, err := json.Marshal(groundedRequest{Query: query, AgentID: agentID})
	if err != nil {
		return "", nil, fmt.Errorf("kb: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/grounded-answer", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("kb: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("kb: grounded answer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", nil, fmt.Errorf("kb: grounded answer: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var gr groundedResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", nil, fmt.Errorf("kb: decode response: %w", err)
	}
	return gr.Answer, gr.Chunks, nil
}

// Confident reports whether answer is substantial enough to use verbatim as
// the turn's response.
func (c *Client) Confident(answer string) bool {
	trimmed := strings.TrimSpace(answer)
	if len(trimmed) <= minConfidentLength {
		return false
	}
	return !strings.EqualFold(trimmed, strings.TrimSpace(c.sentinel))
}

// FormatChunks renders supporting chunks as an instruction block for
// injection into the system prompt.
func FormatChunks(chunks []string) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Use the following retrieved context to answer. If the context does not cover the question, say so instead of guessing.\n")
	for i, ch := range chunks {
		fmt.Fprintf(&sb, "\n[%d] %s", i+1, strings.TrimSpace(ch))
	}
	return sb.String()
}
