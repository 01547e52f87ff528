/*
Package catalog loads program prices from YAML into the settlement store.

PURPOSE:
  The program catalog is owned by the content side of the product. The settlement
  core keeps its own copy of the fields it needs (price, limited-release flag) so a
  purchase never depends on another service being up. This package turns a catalog
  export into settlement.Program records.

YAML SCHEMA:
  programs:
    - id: 42
      title: "Live 2025"
      price: 300
      limited_release: true
    - id: 7
      title: "Free episode"
      price: 0

KEY FEATURES:
  - Strict decoding: unknown fields are rejected (catches "limited_relase")
  - Duplicate ids and negative prices are rejected
  - Seed upserts, so re-running with an edited file updates prices

USAGE:
  programs, err := catalog.Load("programs.yaml")
  n, err := catalog.Seed(ctx, store, programs)

SEE ALSO:
  - settlement/types.go: Program and Purchasable
  - cli/seed.go: the seed command
*/
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/szer/settlement/settlement"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// File is the YAML document.
type File struct {
	Programs []ProgramYAML `yaml:"programs"`
}

// ProgramYAML is one catalog entry.
type ProgramYAML struct {
	ID             int64  `yaml:"id"`
	Title          string `yaml:"title"`
	Price          int64  `yaml:"price"`
	LimitedRelease bool   `yaml:"limited_release"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads and validates a catalog file.
func Load(path string) ([]settlement.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a catalog document.
func Parse(r io.Reader) ([]settlement.Program, error) {
	var f File
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	seen := make(map[int64]bool, len(f.Programs))
	programs := make([]settlement.Program, 0, len(f.Programs))
	for i, p := range f.Programs {
		if p.ID <= 0 {
			return nil, fmt.Errorf("programs[%d]: id must be positive, got %d", i, p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("programs[%d]: duplicate id %d", i, p.ID)
		}
		if p.Price < 0 {
			return nil, fmt.Errorf("programs[%d]: price must not be negative, got %d", i, p.Price)
		}
		seen[p.ID] = true
		programs = append(programs, settlement.Program{
			ID:             settlement.ProgramID(p.ID),
			Title:          p.Title,
			Price:          p.Price,
			LimitedRelease: p.LimitedRelease,
		})
	}
	return programs, nil
}

// Seed upserts every program and returns how many were written.
func Seed(ctx context.Context, store settlement.CatalogStore, programs []settlement.Program) (int, error) {
	for i, p := range programs {
		if err := store.SaveProgram(ctx, p); err != nil {
			return i, fmt.Errorf("save program %d: %w", p.ID, err)
		}
	}
	return len(programs), nil
}
