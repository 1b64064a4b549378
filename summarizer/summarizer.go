package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rnr-capital/newsfeed-alerts/collector"
	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/utils"
)

const (
	defaultSystemPrompt = `You score news articles for an alerting product. ` +
		`Reply with a single JSON object and nothing else, with the keys ` +
		`"title" (string), "keyFindings" (array of short strings, most important first), ` +
		`"importance" (integer 0 to 100, how relevant and significant the article is for the reader's topic) ` +
		`and "language" (ISO 639-1 code of your answer).`
	defaultMaxInputChars = 12000
	maxKeyFindings       = 5
)

type Summary struct {
	Title        string
	KeyFindings  []string
	Importance   int
	LanguageCode string
}

// Summarizer scores one piece of content. prompt optionally overrides the
// summarization instructions.
type Summarizer interface {
	Summarize(ctx context.Context, content *model.Content, languageCode string, prompt *string) (*Summary, error)
}

// SummarizationFailed is returned for any upstream scoring error.
type SummarizationFailed struct {
	ContentID string
	Cause     error
	Timeout   bool
}

func (e *SummarizationFailed) Error() string {
	return fmt.Sprintf("summarize content %s failed: %v", e.ContentID, e.Cause)
}

func (e *SummarizationFailed) Unwrap() error {
	return e.Cause
}

type Options struct {
	Endpoint      string
	Model         string
	APIKey        string
	SystemPrompt  string
	MaxInputChars int
	Timeout       time.Duration
}

// LLMSummarizer talks to an OpenAI compatible chat completions endpoint.
type LLMSummarizer struct {
	client *resty.Client
	opts   Options
}

func NewLLMSummarizer(opts Options) *LLMSummarizer {
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = defaultMaxInputChars
	}
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetAuthToken(opts.APIKey)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	return &LLMSummarizer{client: client, opts: opts}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type summaryPayload struct {
	Title       string   `json:"title"`
	KeyFindings []string `json:"keyFindings"`
	Importance  *float64 `json:"importance"`
	Language    string   `json:"language"`
}

func (s *LLMSummarizer) Summarize(ctx context.Context, content *model.Content, languageCode string, prompt *string) (*Summary, error) {
	fail := func(err error) error {
		return &SummarizationFailed{ContentID: content.Id, Cause: err, Timeout: collector.IsTimeout(err)}
	}
	if s.opts.Endpoint == "" || s.opts.Model == "" {
		return nil, fail(errors.New("summarizer misconfigured"))
	}

	req := chatRequest{
		Model:          s.opts.Model,
		Temperature:    0,
		ResponseFormat: map[string]string{"type": "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: s.opts.SystemPrompt},
			{Role: "user", Content: s.userMessage(content, languageCode, prompt)},
		},
	}
	var res chatResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&res).
		Post(s.opts.Endpoint)
	if err != nil {
		return nil, fail(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fail(fmt.Errorf("summarizer returned %d: %s", resp.StatusCode(), utils.TruncateRunes(string(resp.Body()), 512)))
	}
	if len(res.Choices) == 0 {
		return nil, fail(errors.New("summarizer returned no choices"))
	}

	summary, err := ParseSummary(res.Choices[0].Message.Content)
	if err != nil {
		return nil, fail(err)
	}
	if summary.Title == "" {
		summary.Title = content.Title
	}
	if summary.LanguageCode == "" {
		summary.LanguageCode = languageCode
	}
	return summary, nil
}

func (s *LLMSummarizer) userMessage(content *model.Content, languageCode string, prompt *string) string {
	var b strings.Builder
	if languageCode != "" {
		fmt.Fprintf(&b, "Write the title and key findings in language %q.\n", languageCode)
	}
	if prompt != nil && strings.TrimSpace(*prompt) != "" {
		fmt.Fprintf(&b, "Reader instructions: %s\n", strings.TrimSpace(*prompt))
	}
	fmt.Fprintf(&b, "\nURL: %s\nTitle: %s\n\n%s", content.Url, content.Title, utils.TruncateRunes(content.Body, s.opts.MaxInputChars))
	return b.String()
}

// ParseSummary decodes the model answer. Fenced code blocks are tolerated,
// importance is rounded and clamped into [0, 100], and findings are trimmed.
func ParseSummary(answer string) (*Summary, error) {
	answer = strings.TrimSpace(answer)
	answer = strings.TrimPrefix(answer, "```json")
	answer = strings.TrimPrefix(answer, "```")
	answer = strings.TrimSuffix(answer, "```")

	var payload summaryPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(answer)), &payload); err != nil {
		return nil, fmt.Errorf("summary is not valid json: %w", err)
	}
	if payload.Importance == nil {
		return nil, errors.New("summary has no importance")
	}

	findings := []string{}
	for _, f := range payload.KeyFindings {
		if f = utils.OneLine(f); f != "" {
			findings = append(findings, f)
		}
		if len(findings) == maxKeyFindings {
			break
		}
	}
	// clamp before converting, out of range floats have no defined int value
	importance := math.Max(0, math.Min(100, *payload.Importance))
	return &Summary{
		Title:        utils.OneLine(payload.Title),
		KeyFindings:  findings,
		Importance:   model.ClampImportance(int(importance + 0.5)),
		LanguageCode: strings.ToLower(strings.TrimSpace(payload.Language)),
	}, nil
}
