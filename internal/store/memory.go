package store

import (
	"context"
	"sync"

	"deltasync/internal/rdf"
)

// Write records one write operation issued against a Memory dataset.
type Write struct {
	Graph    string
	Op       string
	Triples  []rdf.Triple
	Resource string
}

// Memory is an in-process Dataset. It keeps insertion order per graph and
// records every write.
type Memory struct {
	mu     sync.Mutex
	graphs map[string]*memGraphData
	writes []Write

	// FailWrite, when set, is consulted before every write; a non-nil result
	// aborts the write.
	FailWrite func(w Write) error
}

type memGraphData struct {
	triples []rdf.Triple
	index   map[string]int
}

func NewMemory() *Memory {
	return &Memory{graphs: map[string]*memGraphData{}}
}

func (m *Memory) Graph(uri string) (Graph, error) {
	return &memGraph{m: m, uri: uri}, nil
}

// Triples returns a copy of the graph's contents in insertion order.
func (m *Memory) Triples(graph string) []rdf.Triple {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.graphs[graph]
	if d == nil {
		return nil
	}
	out := make([]rdf.Triple, len(d.triples))
	copy(out, d.triples)
	return out
}

// Has reports whether graph contains t.
func (m *Memory) Has(graph string, t rdf.Triple) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.graphs[graph]
	if d == nil {
		return false
	}
	_, ok := d.index[key(t)]
	return ok
}

// Writes returns the write log.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

// Seed inserts triples without recording a write.
func (m *Memory) Seed(graph string, triples ...rdf.Triple) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range triples {
		m.data(graph).add(t)
	}
}

func (m *Memory) data(graph string) *memGraphData {
	d := m.graphs[graph]
	if d == nil {
		d = &memGraphData{index: map[string]int{}}
		m.graphs[graph] = d
	}
	return d
}

func key(t rdf.Triple) string {
	s, _ := rdf.Statement(t)
	return s
}

func (d *memGraphData) add(t rdf.Triple) {
	k := key(t)
	if _, ok := d.index[k]; ok {
		return
	}
	d.index[k] = len(d.triples)
	d.triples = append(d.triples, t)
}

func (d *memGraphData) removeWhere(match func(rdf.Triple) bool) {
	kept := d.triples[:0]
	for _, t := range d.triples {
		if !match(t) {
			kept = append(kept, t)
		}
	}
	d.triples = kept
	d.index = make(map[string]int, len(kept))
	for i, t := range kept {
		d.index[key(t)] = i
	}
}

type memGraph struct {
	m   *Memory
	uri string
}

func (g *memGraph) URI() string { return g.uri }

func (g *memGraph) record(w Write) error {
	w.Graph = g.uri
	if g.m.FailWrite != nil {
		if err := g.m.FailWrite(w); err != nil {
			return err
		}
	}
	g.m.writes = append(g.m.writes, w)
	return nil
}

func (g *memGraph) Insert(_ context.Context, triples []rdf.Triple) error {
	if len(triples) == 0 {
		return nil
	}
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if err := g.record(Write{Op: "insert", Triples: append([]rdf.Triple(nil), triples...)}); err != nil {
		return err
	}
	d := g.m.data(g.uri)
	for _, t := range triples {
		d.add(t)
	}
	return nil
}

func (g *memGraph) Delete(_ context.Context, triples []rdf.Triple) error {
	if len(triples) == 0 {
		return nil
	}
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if err := g.record(Write{Op: "delete", Triples: append([]rdf.Triple(nil), triples...)}); err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(triples))
	for _, t := range triples {
		drop[key(t)] = struct{}{}
	}
	g.m.data(g.uri).removeWhere(func(t rdf.Triple) bool {
		_, ok := drop[key(t)]
		return ok
	})
	return nil
}

func (g *memGraph) Objects(_ context.Context, subject, predicate string) ([]string, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	var out []string
	seen := map[string]struct{}{}
	for _, t := range g.m.data(g.uri).triples {
		if t.Subject.Value() != subject || t.Predicate.Value() != predicate {
			continue
		}
		if _, ok := seen[t.Object.Value()]; ok {
			continue
		}
		seen[t.Object.Value()] = struct{}{}
		out = append(out, t.Object.Value())
	}
	return out, nil
}

func (g *memGraph) Subjects(_ context.Context, predicate, object string) ([]string, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	var out []string
	seen := map[string]struct{}{}
	for _, t := range g.m.data(g.uri).triples {
		if t.Predicate.Value() != predicate || t.Object.Value() != object {
			continue
		}
		if _, ok := seen[t.Subject.Value()]; ok {
			continue
		}
		seen[t.Subject.Value()] = struct{}{}
		out = append(out, t.Subject.Value())
	}
	return out, nil
}

func (g *memGraph) DropSubject(_ context.Context, subject string) error {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if err := g.record(Write{Op: "drop", Resource: subject}); err != nil {
		return err
	}
	g.m.data(g.uri).removeWhere(func(t rdf.Triple) bool {
		return isIRI(t.Subject, subject)
	})
	return nil
}

func (g *memGraph) Purge(_ context.Context, resource string) error {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if err := g.record(Write{Op: "purge", Resource: resource}); err != nil {
		return err
	}
	g.m.data(g.uri).removeWhere(func(t rdf.Triple) bool {
		return isIRI(t.Subject, resource) || isIRI(t.Object, resource)
	})
	return nil
}

func isIRI(term rdf.Term, v string) bool {
	iri, ok := term.(rdf.IRI)
	return ok && string(iri) == v
}
