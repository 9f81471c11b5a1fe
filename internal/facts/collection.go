package facts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/ipsix/fleetaudit/internal/fingerprint"
)

//go:embed schema/facts.schema.json
var schemaJSON []byte

// Fact names tried, in order, to label a system.
var nameFacts = []string{"hostname", "uname_hostname", "virt_name", "connection_host"}

type Collection struct {
	CollectedAt *time.Time    `json:"collected_at,omitempty"`
	Sources     []SourceFacts `json:"sources"`
}

type SourceFacts struct {
	SourceID   string              `json:"source_id"`
	SourceType string              `json:"source_type"`
	Facts      []fingerprint.Facts `json:"facts"`
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		compiled, compileErr = compiler.Compile(schemaJSON)
		if compileErr != nil {
			compileErr = fmt.Errorf("compile facts schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// Validate checks data against the fact collection schema.
func Validate(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	result := s.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("fact collection does not match schema: %v", result.Errors)
}

func Parse(data []byte) (*Collection, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var c Collection
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode fact collection: %w", err)
	}
	return &c, nil
}

func Load(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fact collection: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Systems flattens the collection into classifier input, in document order.
func (c *Collection) Systems() []fingerprint.SystemFacts {
	var out []fingerprint.SystemFacts
	for _, src := range c.Sources {
		ref := fingerprint.SourceRef{ID: src.SourceID, Type: src.SourceType}
		for _, f := range src.Facts {
			out = append(out, fingerprint.SystemFacts{
				Name:   systemName(f, len(out)),
				Source: ref,
				Facts:  f,
			})
		}
	}
	return out
}

func systemName(f fingerprint.Facts, index int) string {
	for _, key := range nameFacts {
		if name, ok := f[key].(string); ok && name != "" {
			return name
		}
	}
	return "system-" + strconv.Itoa(index)
}
