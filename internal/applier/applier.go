// Package applier writes and removes triples in bounded batches.
package applier

import (
	"context"
	"fmt"
	"log/slog"

	"deltasync/internal/rdf"
	"deltasync/internal/store"
	"deltasync/internal/syncerr"
)

// DefaultBatchSize bounds the number of triples per write operation.
const DefaultBatchSize = 100

// Applier splits triple sets into consecutive batches and issues one write
// per batch. Batches carry no meaning beyond request size.
type Applier struct {
	BatchSize int
	Logger    *slog.Logger
}

func New(batchSize int, logger *slog.Logger) *Applier {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{BatchSize: batchSize, Logger: logger}
}

// Batches cuts triples into consecutive slices of at most size elements.
func Batches(triples []rdf.Triple, size int) [][]rdf.Triple {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]rdf.Triple
	for i := 0; i < len(triples); i += size {
		end := min(i+size, len(triples))
		out = append(out, triples[i:end])
	}
	return out
}

// Insert adds triples to g.
func (a *Applier) Insert(ctx context.Context, g store.Graph, triples []rdf.Triple) error {
	return a.apply(ctx, "insert", g, triples, g.Insert)
}

// Delete removes triples from g.
func (a *Applier) Delete(ctx context.Context, g store.Graph, triples []rdf.Triple) error {
	return a.apply(ctx, "delete", g, triples, g.Delete)
}

func (a *Applier) apply(ctx context.Context, op string, g store.Graph, triples []rdf.Triple, write func(context.Context, []rdf.Triple) error) error {
	size := a.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	for i, batch := range Batches(triples, size) {
		from := i * size
		a.logger().Debug("applying batch", "op", op, "graph", g.URI(), "from", from, "to", from+len(batch))
		if err := write(ctx, batch); err != nil {
			return syncerr.Apply(fmt.Sprintf("%s batch %d-%d", op, from, from+len(batch)), g.URI(), err)
		}
	}
	return nil
}

func (a *Applier) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
