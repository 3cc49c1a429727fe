package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	wf "github.com/poer2023/chusea-workflow/core/workflow"
)

// Provider generates step content through an Ollama server. It satisfies the
// workflow GenerationClient contract.
type Provider struct {
	url    string
	model  string
	client *http.Client
}

var _ wf.GenerationClient = (*Provider)(nil)

type request struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Options any    `json:"options,omitempty"`
}

type response struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// NewFromEnv builds an Ollama provider using OLLAMA_URL/OLLAMA_MODEL or defaults.
func NewFromEnv() *Provider {
	return &Provider{
		url:    envOrDefault("OLLAMA_URL", "http://ollama:11434"),
		model:  envOrDefault("OLLAMA_MODEL", "llama3"),
		client: &http.Client{Timeout: 150 * time.Second},
	}
}

// Generate implements the generation client contract.
func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	body, _ := json.Marshal(&request{
		Model:  p.model,
		Prompt: prompt,
		Stream: false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama %d: %s", resp.StatusCode, errorBody(resp.Body))
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Response, nil
}

// errorBody extracts the error message from a non-2xx response, falling back
// to the raw body.
func errorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no error detail"
	}
	var out response
	if err := json.Unmarshal(data, &out); err == nil && out.Error != "" {
		return out.Error
	}
	return strings.TrimSpace(string(data))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
