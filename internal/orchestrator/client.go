// Package orchestrator implements the HTTP client for the multi-agent
// orchestrator service, together with its circuit breaker and the
// NDJSON stream decoder.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/supportflow/supportflow/pkg/chat"
	"github.com/supportflow/supportflow/pkg/observability"
)

// HistoryEntry is one prior conversation turn sent with a request.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the orchestrator /process request body.
type Request struct {
	CustomerMessage     string         `json:"customer_message"`
	SessionID           string         `json:"session_id"`
	CustomerID          string         `json:"customer_id"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	Context             map[string]any `json:"context,omitempty"`
}

// Result is the orchestrator's synchronous answer.
type Result struct {
	Response        string         `json:"response"`
	AgentsCalled    []string       `json:"agents_called"`
	AgentResponses  []any          `json:"agent_responses"`
	ConfidenceScore float64        `json:"confidence_score"`
	SessionID       string         `json:"session_id"`
	// ProcessingTime is orchestrator-side seconds, fractional.
	ProcessingTime time.Duration  `json:"-"`
	FollowUpNeeded bool           `json:"follow_up_needed"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Config holds orchestrator client configuration.
type Config struct {
	// BaseURL is the orchestrator service address.
	BaseURL string
	// Timeout bounds a single call. Zero means no client-side timeout:
	// multi-agent reasoning can take arbitrarily long, so by policy
	// nothing truncates a healthy call. Only the breaker's failure
	// accounting limits damage from hard failures.
	Timeout time.Duration
	// FailureThreshold and ResetTimeout tune the breaker; zero values
	// use the defaults.
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Client calls the orchestrator's blocking and streaming endpoints.
// One Client (and its breaker) is shared by all concurrent requests to
// the same endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *Breaker
}

// NewClient creates an orchestrator client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("orchestrator base URL is required")
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: NewBreaker(cfg.FailureThreshold, cfg.ResetTimeout),
	}, nil
}

// Breaker exposes the client's circuit breaker for inspection.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Health probes the orchestrator's health endpoint. It bypasses the
// breaker so readiness reporting keeps working while the breaker is
// open.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("orchestrator health: status %d", resp.StatusCode)
	}
	return nil
}

// Invoke sends a blocking request through the circuit breaker.
// A breaker-open fast failure surfaces as chat.ErrOrchestratorUnavailable;
// network and 5xx failures wrap chat.ErrOrchestratorCall and count
// toward the breaker threshold. The raw cause is logged, never
// returned to external callers verbatim.
func (c *Client) Invoke(ctx context.Context, req *Request) (*Result, error) {
	var result *Result
	start := time.Now()

	err := c.breaker.Execute(func() error {
		r, err := c.process(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, chat.ErrOrchestratorUnavailable) {
			status = "breaker_open"
		}
	}
	observability.RecordOrchestratorCall("blocking", status, time.Since(start))

	if err != nil {
		if errors.Is(err, chat.ErrOrchestratorUnavailable) {
			return nil, err
		}
		log.Printf("orchestrator call failed for session %s: %v", req.SessionID, err)
		return nil, fmt.Errorf("%w: %v", chat.ErrOrchestratorCall, err)
	}
	return result, nil
}

func (c *Client) process(ctx context.Context, req *Request) (*Result, error) {
	resp, err := c.post(ctx, "/process", req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("orchestrator error (status %d): %s", resp.StatusCode, string(body))
	}

	var wire struct {
		Response        string         `json:"response"`
		AgentsCalled    []string       `json:"agents_called"`
		AgentResponses  []any          `json:"agent_responses"`
		ConfidenceScore float64        `json:"confidence_score"`
		SessionID       string         `json:"session_id"`
		ProcessingTime  float64        `json:"processing_time"`
		FollowUpNeeded  bool           `json:"follow_up_needed"`
		Metadata        map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Result{
		Response:        wire.Response,
		AgentsCalled:    wire.AgentsCalled,
		AgentResponses:  wire.AgentResponses,
		ConfidenceScore: wire.ConfidenceScore,
		SessionID:       wire.SessionID,
		ProcessingTime:  time.Duration(wire.ProcessingTime * float64(time.Second)),
		FollowUpNeeded:  wire.FollowUpNeeded,
		Metadata:        wire.Metadata,
	}, nil
}

// InvokeStream requests the streaming endpoint and returns a channel
// of decoded events. The channel is closed after a terminal event.
//
// If the stream fails to establish (connection error or non-200), the
// call falls back to the blocking path and synthesizes a single
// processing_complete event wrapping its result. A failure during an
// established stream instead surfaces as a terminal error event.
func (c *Client) InvokeStream(ctx context.Context, req *Request) (<-chan chat.StreamEvent, error) {
	start := time.Now()
	resp, err := c.post(ctx, "/process/stream", req)
	if err == nil && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		err = fmt.Errorf("orchestrator stream error (status %d): %s", resp.StatusCode, string(body))
	}
	if err != nil {
		log.Printf("streaming endpoint unavailable for session %s, falling back to blocking: %v", req.SessionID, err)
		return c.fallbackStream(ctx, req)
	}

	events := make(chan chat.StreamEvent, 32)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()

		status := c.pump(ctx, req.SessionID, resp.Body, events)
		observability.RecordOrchestratorCall("streaming", status, time.Since(start))
	}()
	return events, nil
}

// pump reads body chunks through a Decoder and forwards events until
// the stream ends. Returns a status label for metrics.
func (c *Client) pump(ctx context.Context, sessionID string, body io.Reader, events chan<- chat.StreamEvent) string {
	dec := NewDecoder()
	buf := make([]byte, 4096)
	sawTerminal := false

	emit := func(ev chat.StreamEvent) bool {
		select {
		case events <- ev:
			if ev.IsTerminal() {
				sawTerminal = true
			}
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if !emit(ev) {
					return "canceled"
				}
				if ev.Type == chat.EventStreamComplete {
					return "ok"
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				if ev, ok := dec.Flush(); ok {
					if !emit(ev) {
						return "canceled"
					}
				}
				if !sawTerminal {
					emit(errorEvent(sessionID, "stream ended without a terminal event"))
					return "truncated"
				}
				return "ok"
			}
			// Mid-stream failure on an established connection is not a
			// fallback case; surface it as a terminal error event.
			log.Printf("orchestrator stream read failed for session %s: %v", sessionID, err)
			emit(errorEvent(sessionID, chat.UserSafeMessage))
			return "error"
		}
	}
}

// fallbackStream runs the blocking path and wraps its outcome in a
// single terminal event.
func (c *Client) fallbackStream(ctx context.Context, req *Request) (<-chan chat.StreamEvent, error) {
	result, err := c.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(map[string]any{
		"synthesizer": map[string]any{
			"synthesized_response": result.Response,
			"confidence_score":     result.ConfidenceScore,
			"processing_time":      result.ProcessingTime.Seconds(),
		},
	})

	events := make(chan chat.StreamEvent, 1)
	events <- chat.StreamEvent{
		Type:      chat.EventProcessingComplete,
		Data:      data,
		SessionID: req.SessionID,
		AgentType: chat.AgentSupervisor,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
	close(events)
	return events, nil
}

func (c *Client) post(ctx context.Context, path string, req *Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(httpReq)
}

func errorEvent(sessionID, msg string) chat.StreamEvent {
	data, _ := json.Marshal(map[string]any{"error": msg})
	return chat.StreamEvent{
		Type:      chat.EventError,
		Data:      data,
		SessionID: sessionID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}
