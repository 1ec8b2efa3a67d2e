package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openscribe/scribe-core/internal/config"
)

const (
	maxActionItems = 10
	maxKeyPoints   = 8
)

// ollamaEngine talks to a local Ollama server over its generate API.
type ollamaEngine struct {
	cfg    config.SummarizeEngineConfig
	client *http.Client
	ready  atomic.Bool
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaEngine builds an unloaded Ollama-backed engine.
func NewOllamaEngine(cfg config.SummarizeEngineConfig) Engine {
	return &ollamaEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *ollamaEngine) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build ollama request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", o.cfg.Endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	o.ready.Store(true)
	return nil
}

func (o *ollamaEngine) Ready() bool { return o.ready.Load() }

func (o *ollamaEngine) Summarize(ctx context.Context, text string, opts Options) (Summary, error) {
	if !o.ready.Load() {
		return Summary{}, fmt.Errorf("engine not initialized")
	}

	maxTokens := o.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	prompt := fmt.Sprintf(
		"Summarize the following meeting transcript in a few concise paragraphs. "+
			"Focus on decisions made and topics discussed.\n\nTranscript:\n%s\n\nSummary:", text)
	body, err := o.generate(ctx, prompt, maxTokens)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}

	summary := Summary{Text: strings.TrimSpace(body)}

	if opts.ActionItems {
		items, err := o.generate(ctx, fmt.Sprintf(
			"List the action items from this meeting transcript, one per line, "+
				"each starting with \"- \". If there are none, respond with \"none\".\n\nTranscript:\n%s", text),
			maxTokens)
		if err != nil {
			return Summary{}, fmt.Errorf("action items: %w", err)
		}
		summary.ActionItems = parseBullets(items, maxActionItems)
	}

	if opts.KeyPoints {
		points, err := o.generate(ctx, fmt.Sprintf(
			"List the key points from this meeting transcript, one per line, "+
				"each starting with \"- \". If there are none, respond with \"none\".\n\nTranscript:\n%s", text),
			maxTokens)
		if err != nil {
			return Summary{}, fmt.Errorf("key points: %w", err)
		}
		summary.KeyPoints = parseBullets(points, maxKeyPoints)
	}

	return summary, nil
}

func (o *ollamaEngine) Shutdown() { o.ready.Store(false) }

func (o *ollamaEngine) generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	payload := ollamaRequest{
		Model:  o.cfg.Model,
		Prompt: prompt,
		Stream: false,
	}
	options := map[string]any{}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}
	if o.cfg.Temperature > 0 {
		options["temperature"] = o.cfg.Temperature
	}
	if len(options) > 0 {
		payload.Options = options
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint+"/api/generate", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return decoded.Response, nil
}

// parseBullets extracts bullet lines from model output, tolerating the
// common markers models emit.
func parseBullets(text string, limit int) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "none") {
			continue
		}
		for _, marker := range []string{"- ", "* ", "• "} {
			if strings.HasPrefix(line, marker) {
				line = strings.TrimSpace(strings.TrimPrefix(line, marker))
				break
			}
		}
		if line == "" {
			continue
		}
		items = append(items, line)
		if len(items) >= limit {
			break
		}
	}
	return items
}
