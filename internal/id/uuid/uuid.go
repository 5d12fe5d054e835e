// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings for cycles and ingested documents.
type Generator struct {
	rand io.Reader
}

// Option customizes a Generator.
type Option func(*Generator)

// WithRandom replaces the entropy source, mainly for deterministic tests.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator(opts ...Option) *Generator {
	g := &Generator{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewID returns a UUIDv7 string.
func (g *Generator) NewID() (string, error) {
	id, err := g.newV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (g *Generator) newV7() (uuid.UUID, error) {
	var (
		id  uuid.UUID
		err error
	)
	if g.rand != nil {
		id, err = uuid.NewV7FromReader(g.rand)
	} else {
		id, err = uuid.NewV7()
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}
