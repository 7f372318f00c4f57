package backend

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Scripted is a deterministic backend for tests and headless demos. Each
// streaming request replays the configured token script.
type Scripted struct {
	// Tokens emitted per streaming request, in order.
	Tokens []string
	// FinalMessage for the Complete token; defaults to the joined tokens.
	FinalMessage string
	// FailWith, when set, terminates the stream with an error instead.
	FailWith string
	// Delay between tokens.
	Delay time.Duration
	// Healthy controls HealthCheck.
	Healthy bool

	mu       sync.Mutex
	requests []Request
}

// NewScripted creates a healthy scripted backend.
func NewScripted(tokens ...string) *Scripted {
	return &Scripted{Tokens: tokens, Healthy: true}
}

func (s *Scripted) Name() string { return "scripted" }

// HealthCheck returns the configured health flag.
func (s *Scripted) HealthCheck(ctx context.Context) bool { return s.Healthy }

// Requests returns every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Scripted) record(req *Request) {
	s.mu.Lock()
	s.requests = append(s.requests, *req)
	s.mu.Unlock()
}

func (s *Scripted) final() string {
	if s.FinalMessage != "" {
		return s.FinalMessage
	}
	return strings.Join(s.Tokens, "")
}

// Send performs a blocking generation of the scripted content.
func (s *Scripted) Send(ctx context.Context, req *Request) (*Response, error) {
	s.record(req)
	return &Response{Content: s.final(), Model: req.Model, TokensUsed: len(s.Tokens)}, nil
}

// SendStreaming replays the token script on a fresh channel.
func (s *Scripted) SendStreaming(ctx context.Context, req *Request) (<-chan Token, error) {
	s.record(req)
	ch := make(chan Token, streamChannelCapacity)
	go func() {
		defer close(ch)
		for _, text := range s.Tokens {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- Token{Kind: TokenText, Text: text}:
			case <-ctx.Done():
				return
			}
		}
		if s.FailWith != "" {
			ch <- Token{Kind: TokenError, Err: s.FailWith}
			return
		}
		ch <- Token{Kind: TokenComplete, Message: s.final()}
	}()
	return ch, nil
}

// ListModels returns a single scripted model.
func (s *Scripted) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{Name: "scripted", Loaded: true}}, nil
}
