package sheet

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

// Extractor error types.
const (
	ExtractErrAPI     = "api_error"
	ExtractErrParse   = "parse_error"
	ExtractErrTimeout = "timeout"
	ExtractErrNetwork = "network_error"
)

type ExtractError struct {
	Type      string `json:"type"`
	Status    int    `json:"status,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ExtractError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("extractor %s (http %d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("extractor %s: %s", e.Type, e.Message)
}

type ExtractRequest struct {
	Subject          string
	Input            string
	Output           string
	SchemaDescriptor string
}

// ExtractResult carries candidates plus debugging context. A failed call
// returns empty candidates and a structured Err; it is never a Go error at
// the contract boundary.
type ExtractResult struct {
	Candidates  []Candidate
	RawResponse string
	LatencyMS   int64
	Err         *ExtractError
}

// Extractor turns conversational text into candidate facts.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) *ExtractResult
}

// ExtractFunc adapts a plain function to the Extractor contract.
type ExtractFunc func(ctx context.Context, req ExtractRequest) *ExtractResult

func (f ExtractFunc) Extract(ctx context.Context, req ExtractRequest) *ExtractResult {
	return f(ctx, req)
}

// ExtractorClient calls an OpenAI-compatible chat-completions endpoint.
type ExtractorClient struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client

	// Per-attempt timeout and bounded retries for retryable failures.
	Timeout time.Duration
	Retries int
}

type ExtractorClientOptions struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    int
}

func NewExtractorClient(opts ExtractorClientOptions) *ExtractorClient {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	c := opts.HTTPClient
	if c == nil {
		c = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 2
	}
	return &ExtractorClient{
		BaseURL:    base,
		APIKey:     opts.APIKey,
		Model:      model,
		HTTPClient: c,
		Timeout:    timeout,
		Retries:    retries,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// OpenAI-compatible (subset) response
type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const extractSystemPrompt = `You extract durable facts about a subject from conversation text.
Return ONLY a JSON object of the form {"facts":[{"field":"...","value":...,"confidence":0.0,"inferred":false}]}.
Rules:
- Only use fields declared below; values must match the declared shape.
- confidence is your certainty in [0,1]. Mark inferred=true when the fact is deduced rather than stated.
- Return {"facts":[]} when nothing can be extracted.
Fields:
%s`

func (c *ExtractorClient) Extract(ctx context.Context, req ExtractRequest) *ExtractResult {
	var text strings.Builder
	if req.Input != "" {
		text.WriteString("User: " + req.Input)
	}
	if req.Output != "" {
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString("Assistant: " + req.Output)
	}

	body := chatCompletionsRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(extractSystemPrompt, req.SchemaDescriptor)},
			{Role: "user", Content: text.String()},
		},
	}

	start := time.Now()
	var lastErr *ExtractError
	for attempt := 0; attempt <= c.Retries; attempt++ {
		raw, extractErr := c.call(ctx, body)
		if extractErr == nil {
			result := c.parse(raw)
			result.LatencyMS = time.Since(start).Milliseconds()
			return result
		}
		lastErr = extractErr
		if !extractErr.Retryable || ctx.Err() != nil {
			break
		}
	}
	return &ExtractResult{
		LatencyMS: time.Since(start).Milliseconds(),
		Err:       lastErr,
	}
}

func (c *ExtractorClient) call(ctx context.Context, body chatCompletionsRequest) (string, *ExtractError) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &ExtractError{Type: ExtractErrParse, Message: err.Error()}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", &ExtractError{Type: ExtractErrNetwork, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return "", &ExtractError{Type: ExtractErrTimeout, Message: c.redact(err.Error()), Retryable: true}
		}
		return "", &ExtractError{Type: ExtractErrNetwork, Message: c.redact(err.Error()), Retryable: true}
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ExtractError{
			Type:      ExtractErrAPI,
			Status:    resp.StatusCode,
			Message:   c.redact(string(b)),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	return string(b), nil
}

type extractedFact struct {
	Field       string          `json:"field"`
	Value       json.RawMessage `json:"value"`
	Confidence  *float64        `json:"confidence"`
	Inferred    bool            `json:"inferred"`
	Source      string          `json:"source,omitempty"`
	TimestampMS int64           `json:"timestamp,omitempty"`
}

func (c *ExtractorClient) parse(raw string) *ExtractResult {
	result := &ExtractResult{RawResponse: c.redact(raw)}

	var resp chatCompletionsResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		result.Err = &ExtractError{Type: ExtractErrParse, Message: c.redact(err.Error())}
		return result
	}
	if len(resp.Choices) == 0 {
		result.Err = &ExtractError{Type: ExtractErrParse, Message: "no choices in response"}
		return result
	}

	content := stripCodeFences(resp.Choices[0].Message.Content)
	var parsed struct {
		Facts []extractedFact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		result.Err = &ExtractError{Type: ExtractErrParse, Message: c.redact(err.Error())}
		return result
	}

	for _, f := range parsed.Facts {
		if f.Field == "" {
			continue
		}
		cand := Candidate{
			Field:       f.Field,
			Inferred:    f.Inferred,
			Source:      f.Source,
			TimestampMS: f.TimestampMS,
		}
		if f.Confidence != nil {
			cand.Confidence = *f.Confidence
			cand.hasConfidence = true
		}
		if len(f.Value) > 0 {
			cand.present = true
			_ = json.Unmarshal(f.Value, &cand.Value)
		}
		result.Candidates = append(result.Candidates, cand)
	}
	return result
}

// redact scrubs the API key from text included in errors or raw payloads.
func (c *ExtractorClient) redact(s string) string {
	if c.APIKey == "" {
		return s
	}
	return strings.ReplaceAll(s, c.APIKey, "[redacted]")
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// sanitizeText strips C0 control characters (except tab, newline, CR) and
// truncates to maxChars before the text reaches the extractor.
func sanitizeText(s string, maxChars int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if maxChars > 0 && len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}
