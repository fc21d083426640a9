// Package dialogue answers player conversation with station NPCs through a
// language model, behind the aisecurity guard.
package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Scene is the game state an NPC may know about when replying.
type Scene struct {
	Region     string `json:"region,omitempty"`
	RegionType string `json:"region_type,omitempty"`
	Turn       int    `json:"dialogue_turn"`
}

// Prompt is a fully prepared model request. Input is already sanitized and
// wrapped in delimiters; Context is JSON.
type Prompt struct {
	Model   string
	System  string
	Context string
	Input   string
	Scene   Scene
}

type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

type Provider interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

// HTTPConfig configures a provider that speaks the OpenAI responses API.
type HTTPConfig struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

type HTTPProvider struct {
	cfg HTTPConfig
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "https://api.openai.com/v1/responses"
	}
	return &HTTPProvider{cfg: cfg}
}

func (h *HTTPProvider) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if strings.TrimSpace(h.cfg.APIKey) == "" {
		return Completion{}, errors.New("provider api key is required")
	}
	body, err := json.Marshal(map[string]any{
		"model":        p.Model,
		"instructions": p.System,
		"input":        p.Context + "\n" + p.Input,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)

	res, err := h.cfg.HTTPClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("completion request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Completion{}, fmt.Errorf("completion request status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var payload struct {
		Model      string `json:"model"`
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Completion{}, fmt.Errorf("decode completion response: %w", err)
	}
	text := strings.TrimSpace(payload.OutputText)
	for _, item := range payload.Output {
		if text != "" {
			break
		}
		for _, c := range item.Content {
			if t := strings.TrimSpace(c.Text); t != "" {
				text = t
				break
			}
		}
	}
	if text == "" {
		return Completion{}, errors.New("completion response missing output text")
	}
	model := payload.Model
	if model == "" {
		model = p.Model
	}
	return Completion{
		Text:         text,
		InputTokens:  payload.Usage.InputTokens,
		OutputTokens: payload.Usage.OutputTokens,
		Model:        model,
	}, nil
}
