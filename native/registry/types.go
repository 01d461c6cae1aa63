package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Token is one unique property record tracked by the registry: its current
// owner, an optional single-token operator approval and the metadata URI it
// was minted with. Ids are sequential and start at 1.
type Token struct {
	ID       uint64
	Owner    [20]byte
	Approved [20]byte
	URI      string
}

// Clone returns a copy callers can mutate without touching the stored
// instance.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// SanitizeToken validates the supplied token record without mutating it.
func SanitizeToken(t *Token) (*Token, error) {
	if t == nil {
		return nil, fmt.Errorf("nil token")
	}
	clone := t.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("token id must be positive")
	}
	if clone.Owner == ([20]byte{}) {
		return nil, fmt.Errorf("token owner required")
	}
	clone.URI = strings.TrimSpace(clone.URI)
	if clone.URI == "" {
		return nil, fmt.Errorf("token metadata URI required")
	}
	return clone, nil
}

var (
	// ErrTokenNotFound marks a query or transfer referencing an id that was
	// never minted.
	ErrTokenNotFound = errors.New("registry: token not found")
	// ErrUnauthorized marks a caller that is neither the owner nor the
	// approved operator of the token.
	ErrUnauthorized = errors.New("registry: unauthorized caller")

	errNilState = errors.New("registry engine: state not configured")
)
