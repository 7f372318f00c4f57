package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultOllamaHost = "http://127.0.0.1:11434"

// streamChannelCapacity bounds the producer ahead of the consumer.
const streamChannelCapacity = 64

// Ollama talks to a local Ollama server over its HTTP API.
type Ollama struct {
	host   string
	client *http.Client
}

// NewOllama creates a backend for the given host ("" = default).
func NewOllama(host string) *Ollama {
	if host == "" {
		host = defaultOllamaHost
	}
	return &Ollama{
		host:   strings.TrimSuffix(host, "/"),
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// OllamaFromEnv reads OLLAMA_HOST.
func OllamaFromEnv() *Ollama {
	return NewOllama(os.Getenv("OLLAMA_HOST"))
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateChunk struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (o *Ollama) buildPrompt(req *Request) string {
	if req.Context == "" {
		return req.Prompt
	}
	return req.Context + "User: " + req.Prompt
}

// HealthCheck probes the server's version endpoint.
func (o *Ollama) HealthCheck(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, o.host+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Send performs a blocking generation.
func (o *Ollama) Send(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  req.Model,
		Prompt: o.buildPrompt(req),
		System: req.System,
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var chunk ollamaGenerateChunk
	if err := json.Unmarshal(respBody, &chunk); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if chunk.Error != "" {
		return nil, fmt.Errorf("ollama: %s", chunk.Error)
	}

	return &Response{
		Content:    chunk.Response,
		Model:      chunk.Model,
		TokensUsed: chunk.EvalCount,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// SendStreaming starts a generation and streams NDJSON chunks as tokens.
func (o *Ollama) SendStreaming(ctx context.Context, req *Request) (<-chan Token, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  req.Model,
		Prompt: o.buildPrompt(req),
		System: req.System,
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan Token, streamChannelCapacity)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var full strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var chunk ollamaGenerateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				ch <- Token{Kind: TokenError, Err: fmt.Sprintf("parse chunk: %v", err)}
				return
			}
			if chunk.Error != "" {
				ch <- Token{Kind: TokenError, Err: chunk.Error}
				return
			}
			if chunk.Response != "" {
				full.WriteString(chunk.Response)
				ch <- Token{Kind: TokenText, Text: chunk.Response}
			}
			if chunk.Done {
				ch <- Token{Kind: TokenComplete, Message: full.String()}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- Token{Kind: TokenError, Err: err.Error()}
			return
		}
		// Stream ended without a done chunk; treat what we have as final.
		ch <- Token{Kind: TokenComplete, Message: full.String()}
	}()

	return ch, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"models"`
}

// ListModels enumerates locally available models.
func (o *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var tags ollamaTagsResponse
	if err := json.Unmarshal(respBody, &tags); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{Name: m.Name, Size: m.Size, Loaded: true})
	}
	return models, nil
}
