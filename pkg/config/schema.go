package config

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Schema checks the shape of a raw config document against the CUE definition
// #Config: key names and value types. Validate covers ranges and cross-field rules.
type Schema struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

// NewSchema compiles the embedded config schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()

	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("config schema has no #Config: %w", err)
	}

	return &Schema{ctx: ctx, def: def}, nil
}

var defaultSchema = sync.OnceValues(NewSchema)

// CheckDocument validates a YAML config document against the schema.
// An empty document is valid.
func (s *Schema) CheckDocument(data []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	if doc == nil {
		return nil
	}

	// cue.Context is not safe for concurrent use.
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := s.def.Unify(val).Validate(); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}
