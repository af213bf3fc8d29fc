// Package credentials holds the bearer tokens used against the video backend
// and the optional grouping of tokens into accounts.
package credentials

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoTokens is returned when a pool is built without any non-blank token.
var ErrNoTokens = errors.New("no bearer tokens provided")

// Pool rotates over a fixed set of bearer tokens and remembers which ones
// the backend rejected. Tokens marked invalid stay in the rotation order but
// are skipped by callers until Usable resets them.
type Pool struct {
	mu      sync.Mutex
	tokens  []string
	cursor  int
	invalid map[string]bool
}

// NewPool trims tokens and drops blanks. Duplicates are kept once.
func NewPool(tokens []string) (*Pool, error) {
	seen := make(map[string]bool, len(tokens))
	cleaned := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		cleaned = append(cleaned, t)
	}
	if len(cleaned) == 0 {
		return nil, ErrNoTokens
	}
	return &Pool{
		tokens:  cleaned,
		invalid: make(map[string]bool),
	}, nil
}

// Next returns the token at the cursor and advances it, wrapping around.
// Invalid tokens are returned too; the caller decides whether to skip.
func (p *Pool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tokens[p.cursor%len(p.tokens)]
	p.cursor = (p.cursor + 1) % len(p.tokens)
	return t
}

// MarkInvalid flags a token after an authentication failure.
func (p *Pool) MarkInvalid(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalid[token] = true
}

func (p *Pool) IsInvalid(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invalid[token]
}

// Usable returns the tokens not flagged invalid. When every token is flagged
// the flags are cleared and the full set is returned.
func (p *Pool) Usable() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.tokens))
	for _, t := range p.tokens {
		if !p.invalid[t] {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		p.invalid = make(map[string]bool)
		out = append(out, p.tokens...)
	}
	return out
}

// Size is the number of tokens, valid or not.
func (p *Pool) Size() int {
	return len(p.tokens)
}

// InvalidCount reports how many tokens are currently flagged.
func (p *Pool) InvalidCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.invalid)
}

// Label names a token by position for log lines, e.g. "token #2".
func (p *Pool) Label(token string) string {
	for i, t := range p.tokens {
		if t == token {
			return fmt.Sprintf("token #%d", i+1)
		}
	}
	return "token #?"
}
