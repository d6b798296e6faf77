// Package catalog loads the list of submittable models from YAML.
//
//	models:
//	  - id: llama-3-8b-instruct
//	    description: General chat model
//	    max_chunk_size: 500
//	  - id: old-model
//	    disabled: true
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/target/inferbatch/internal/core"
)

// Model is one catalog entry.
type Model struct {
	ID           string `yaml:"id"`
	Description  string `yaml:"description"`
	MaxChunkSize int    `yaml:"max_chunk_size"` // zero means the global maximum
	Disabled     bool   `yaml:"disabled"`
}

type document struct {
	Models []Model `yaml:"models"`
}

// Catalog answers which model ids may be submitted. It is immutable after load.
type Catalog struct {
	models map[string]Model
}

var _ core.ModelCatalog = (*Catalog)(nil)

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("model catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes catalog YAML. Unknown fields, empty ids and duplicates are rejected.
func Parse(raw []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	models := make(map[string]Model, len(doc.Models))
	for i, m := range doc.Models {
		m.ID = strings.TrimSpace(m.ID)
		switch {
		case m.ID == "":
			return nil, fmt.Errorf("models[%d]: id is required", i)
		case m.MaxChunkSize < 0:
			return nil, fmt.Errorf("models[%d] %s: max_chunk_size must not be negative", i, m.ID)
		}
		if _, dup := models[m.ID]; dup {
			return nil, fmt.Errorf("models[%d]: duplicate id %s", i, m.ID)
		}
		models[m.ID] = m
	}
	return &Catalog{models: models}, nil
}

// Known implements core.ModelCatalog. Disabled models are not submittable.
func (c *Catalog) Known(modelID string) bool {
	m, ok := c.models[modelID]
	return ok && !m.Disabled
}

// Get returns the entry for modelID, including disabled ones.
func (c *Catalog) Get(modelID string) (Model, bool) {
	m, ok := c.models[modelID]
	return m, ok
}

// Models returns every entry sorted by id.
func (c *Catalog) Models() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
