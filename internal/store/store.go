// Package store exposes named graphs of the triple store through the handful
// of operations the consumer needs.
package store

import (
	"context"

	"deltasync/internal/rdf"
)

// Graph is a single named graph.
type Graph interface {
	URI() string
	// Insert and Delete issue exactly one write operation each.
	Insert(ctx context.Context, triples []rdf.Triple) error
	Delete(ctx context.Context, triples []rdf.Triple) error
	// Objects returns the distinct object values of subject/predicate.
	Objects(ctx context.Context, subject, predicate string) ([]string, error)
	// Subjects returns the distinct subjects linked to object by predicate.
	Subjects(ctx context.Context, predicate, object string) ([]string, error)
	// DropSubject removes every triple whose subject is subject.
	DropSubject(ctx context.Context, subject string) error
	// Purge removes every triple naming resource as subject or object.
	Purge(ctx context.Context, resource string) error
}

// Dataset resolves named graphs.
type Dataset interface {
	Graph(uri string) (Graph, error)
}
