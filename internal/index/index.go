// Package index stores frame descriptors in named collections and answers
// nearest-neighbour queries against them.
//
// Three backends share the Index interface: an in-process brute force
// index, PostgreSQL with pgvector, and Qdrant.
package index

import (
	"context"

	"github.com/bdougie/framesearch/internal/models"
)

// DefaultBatchSize is the number of records submitted per backend request
// when a backend is created without an explicit batch size.
const DefaultBatchSize = 64

// EnsureOptions controls how EnsureCollection treats an existing collection.
type EnsureOptions struct {
	// Reset drops and recreates the collection even when its schema matches.
	Reset bool

	// RecreateOnMismatch drops a collection whose schema differs instead of
	// failing with a schema conflict.
	RecreateOnMismatch bool
}

// Index is a set of named vector collections.
type Index interface {
	// EnsureCollection makes sure the named collection exists with schema.
	EnsureCollection(ctx context.Context, name string, schema models.Schema, opts EnsureOptions) error

	// Insert validates every record against the collection schema and then
	// stores them. Nothing is written when any record is invalid. Records
	// with an existing id replace the stored one.
	Insert(ctx context.Context, name string, records []models.FrameRecord) error

	// Search returns up to k matches ordered by descending score.
	Search(ctx context.Context, name string, vector []float32, k int) ([]models.Match, error)

	// Count returns the number of records in the collection.
	Count(ctx context.Context, name string) (int, error)

	// Schema returns the schema the collection was created with.
	Schema(ctx context.Context, name string) (models.Schema, error)

	Close() error
}

// action is what EnsureCollection has to do given the current state.
type action int

const (
	actionKeep action = iota
	actionCreate
	actionRecreate
)

// decide applies the collection conflict policy. existing is nil when the
// collection does not exist.
func decide(name string, existing *models.Schema, want models.Schema, opts EnsureOptions) (action, error) {
	if existing == nil {
		return actionCreate, nil
	}
	if opts.Reset {
		return actionRecreate, nil
	}
	if *existing == want {
		return actionKeep, nil
	}
	if opts.RecreateOnMismatch {
		return actionRecreate, nil
	}
	return actionKeep, models.Errorf(models.KindSchemaConflict, "index.ensure",
		"collection %q has schema %s, want %s", name, existing, want)
}

// validateRecords checks all records before any of them is written.
func validateRecords(op string, schema models.Schema, records []models.FrameRecord) error {
	for i := range records {
		if records[i].ID == "" {
			return models.Errorf(models.KindInternal, op, "record %d has no id", i)
		}
		if err := schema.CheckDimensions(op, records[i].Vector); err != nil {
			return err
		}
	}
	return nil
}

// chunks splits n items into half-open ranges of at most size.
func chunks(n, size int) [][2]int {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}

func notFound(op, name string) error {
	return models.Errorf(models.KindNotFound, op, "collection %q does not exist", name)
}

var (
	_ Index = (*Memory)(nil)
	_ Index = (*PGVector)(nil)
	_ Index = (*Qdrant)(nil)
)
