package oracle

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedTurn is one canned reply. Err, when set, is returned instead of
// the response.
type ScriptedTurn struct {
	Response ChatResponse
	Err      error
}

// Text makes a plain text turn.
func Text(s string) ScriptedTurn {
	return ScriptedTurn{Response: ChatResponse{Text: s, StopReason: "end_turn"}}
}

// Scripted replays canned turns in order. Tests use it to drive the
// adapter deterministically; deployments without an API key can run it
// with Loop set so every cycle gets the same canned reply. When the
// script runs out and Loop is off, Chat fails.
type Scripted struct {
	// Loop repeats the final turn forever instead of failing once the
	// script is exhausted.
	Loop bool

	mu   sync.Mutex
	turn []ScriptedTurn
	next int
	seen []ChatRequest
}

// NewScripted creates a provider that replays turns in order.
func NewScripted(turns ...ScriptedTurn) *Scripted {
	return &Scripted{turn: turns}
}

// Chat returns the next scripted turn and records the request.
func (s *Scripted) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen = append(s.seen, req)

	i := s.next
	if i >= len(s.turn) {
		if !s.Loop || len(s.turn) == 0 {
			return nil, fmt.Errorf("oracle: script exhausted after %d turns", len(s.turn))
		}
		i = len(s.turn) - 1
	}
	s.next++

	t := s.turn[i]
	if t.Err != nil {
		return nil, t.Err
	}
	resp := t.Response
	return &resp, nil
}

// Requests returns a copy of every ChatRequest seen so far.
func (s *Scripted) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRequest, len(s.seen))
	copy(out, s.seen)
	return out
}

// CallCount reports how many times Chat ran.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
