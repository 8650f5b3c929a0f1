package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"deltasync/internal/rdf"
	"deltasync/internal/sparql"
)

// SPARQL is a Dataset backed by a SPARQL endpoint. Graphs covered by
// Capability are accessed with elevated privilege.
type SPARQL struct {
	Client     *sparql.Client
	Capability *sparql.Capability
	Logger     *slog.Logger
}

func (s *SPARQL) Graph(uri string) (Graph, error) {
	if uri == "" {
		return nil, fmt.Errorf("graph uri required")
	}
	client := s.Client
	if s.Capability != nil {
		if scoped, err := s.Capability.Scope(uri); err == nil {
			client = scoped
		}
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &sparqlGraph{uri: uri, client: client, logger: logger}, nil
}

type sparqlGraph struct {
	uri    string
	client *sparql.Client
	logger *slog.Logger
}

func (g *sparqlGraph) URI() string { return g.uri }

func (g *sparqlGraph) Insert(ctx context.Context, triples []rdf.Triple) error {
	return g.write(ctx, "INSERT DATA", triples)
}

func (g *sparqlGraph) Delete(ctx context.Context, triples []rdf.Triple) error {
	return g.write(ctx, "DELETE DATA", triples)
}

func (g *sparqlGraph) write(ctx context.Context, op string, triples []rdf.Triple) error {
	if len(triples) == 0 {
		return nil
	}
	statements, unknown := rdf.Statements(triples)
	for _, u := range unknown {
		g.logger.Warn("unrecognized rdf term written as plain string", "kind", u.Kind, "value", u.Lexical, "graph", g.uri)
	}
	return g.client.Update(ctx, dataUpdate(op, g.uri, statements))
}

func (g *sparqlGraph) Objects(ctx context.Context, subject, predicate string) ([]string, error) {
	q := fmt.Sprintf("SELECT DISTINCT ?o WHERE {\n  GRAPH %s {\n    %s %s ?o .\n  }\n}",
		rdf.EscapeIRI(g.uri), rdf.EscapeIRI(subject), rdf.EscapeIRI(predicate))
	res, err := g.client.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Values("o"), nil
}

func (g *sparqlGraph) Subjects(ctx context.Context, predicate, object string) ([]string, error) {
	q := fmt.Sprintf("SELECT DISTINCT ?s WHERE {\n  GRAPH %s {\n    ?s %s %s .\n  }\n}",
		rdf.EscapeIRI(g.uri), rdf.EscapeIRI(predicate), rdf.EscapeIRI(object))
	res, err := g.client.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Values("s"), nil
}

func (g *sparqlGraph) DropSubject(ctx context.Context, subject string) error {
	return g.client.Update(ctx, fmt.Sprintf("DELETE WHERE {\n  GRAPH %s {\n    %s ?p ?o .\n  }\n}",
		rdf.EscapeIRI(g.uri), rdf.EscapeIRI(subject)))
}

func (g *sparqlGraph) Purge(ctx context.Context, resource string) error {
	return g.client.Update(ctx, purgeUpdate(g.uri, resource))
}

func dataUpdate(op, graph, statements string) string {
	return fmt.Sprintf("%s {\n  GRAPH %s {\n%s\n  }\n}", op, rdf.EscapeIRI(graph), indent(statements, "    "))
}

func purgeUpdate(graph, resource string) string {
	g, r := rdf.EscapeIRI(graph), rdf.EscapeIRI(resource)
	return fmt.Sprintf("DELETE WHERE {\n  GRAPH %s {\n    %s ?p ?o .\n  }\n} ;\nDELETE WHERE {\n  GRAPH %s {\n    ?s ?p %s .\n  }\n}", g, r, g, r)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
