// Package query forwards free-text questions to a hosted Gemini model and
// returns the "response" field of its JSON reply.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"call-insights-go/internal/logger"
)

const (
	DefaultModel = "gemini-2.0-flash"
	promptPrefix = `Response to the following text that starts after "GEMINI_QUERY ->" and only that.`
)

var (
	ErrEmptyQuery      = errors.New("query text is empty")
	ErrMissingResponse = errors.New("model reply has no response field")
	ErrNotConfigured   = errors.New("generative query client not configured")
)

// Generator is the slice of the genai SDK the client needs; *genai.Models
// satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	gen    Generator
	model  string
	config *genai.GenerateContentConfig
	log    *logrus.Entry
}

// NewClient connects to the Gemini API with apiKey.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return NewWithGenerator(gc.Models, model), nil
}

// NewWithGenerator builds a client on top of an existing generator. Sampling
// is fixed: temperature 1, top-p 0.95, top-k 64, JSON replies.
func NewWithGenerator(g Generator, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		gen:   g,
		model: model,
		config: &genai.GenerateContentConfig{
			Temperature:      genai.Ptr[float32](1),
			TopP:             genai.Ptr[float32](0.95),
			TopK:             genai.Ptr[float32](64),
			ResponseMIMEType: "application/json",
		},
		log: logger.New().Component("query").WithField("model", model),
	}
}

func BuildPrompt(text string) string {
	return promptPrefix + " GEMINI_QUERY -> " + text
}

// Ask sends text to the model and returns the reply's response field.
func (c *Client) Ask(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyQuery
	}
	resp, err := c.gen.GenerateContent(ctx, c.model, genai.Text(BuildPrompt(text)), c.config)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	raw := resp.Text()
	c.log.WithField("reply_len", len(raw)).Debug("model reply received")
	return ParseReply(raw)
}

// ParseReply extracts the response field from a model reply. Replies wrapped
// in markdown fences or surrounded by prose are tolerated.
func ParseReply(raw string) (string, error) {
	obj := extractJSON(raw)
	if obj == "" {
		return "", fmt.Errorf("no JSON found in model reply: %q", truncate(raw, 200))
	}
	var reply map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &reply); err != nil {
		return "", fmt.Errorf("decode model reply: %w", err)
	}
	field, ok := reply["response"]
	if !ok || string(field) == "null" {
		return "", ErrMissingResponse
	}
	var s string
	if err := json.Unmarshal(field, &s); err == nil {
		return s, nil
	}
	// Structured answers are rendered as their JSON text.
	return string(field), nil
}

// extractJSON finds the first balanced JSON object in a string. Markdown
// fences are stripped first.
func extractJSON(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, fence := range []string{"```json", "```"} {
		s = strings.ReplaceAll(s, fence, "")
	}

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
