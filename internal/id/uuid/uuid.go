// Package uuid generates job and result identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, so job IDs sort by
// submission time.
type Generator struct {
	prefix string
}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// WithPrefix creates a Generator whose IDs carry prefix, e.g. "res-".
func WithPrefix(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a UUIDv7 string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}

// Valid reports whether raw (without prefix) parses as a UUID.
func (g *Generator) Valid(raw string) bool {
	if len(raw) < len(g.prefix) || raw[:len(g.prefix)] != g.prefix {
		return false
	}
	_, err := uuid.Parse(raw[len(g.prefix):])
	return err == nil
}
