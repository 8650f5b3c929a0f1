package cascade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deltasync/internal/rdf"
	"deltasync/internal/store"
	"deltasync/internal/syncerr"
)

const (
	graph = "http://mu.semte.ch/graphs/public"
	ex    = "http://example.org/"
)

func tr(s, p string, o rdf.Term) rdf.Triple {
	return rdf.Triple{Subject: rdf.IRI(ex + s), Predicate: rdf.IRI(p), Object: o}
}

func iri(local string) rdf.IRI { return rdf.IRI(ex + local) }

func newDeleter() *Deleter {
	return New("", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mentions(triples []rdf.Triple, resource string) bool {
	for _, t := range triples {
		if t.Subject.Value() == resource || t.Object.Value() == resource {
			return true
		}
	}
	return false
}

func seedPublishedSession(m *store.Memory) {
	m.Seed(graph,
		tr("session", rdf.RDFType, rdf.IRI(DefaultSessionClass)),
		tr("session", ex+"label", rdf.Plain("old")),
		tr("session", rdf.PublishedNewsInfo, iri("news1")),
		tr("agenda", ex+"session", iri("session")),

		tr("news1", rdf.DocumentVersion, iri("v1")),
		tr("news1", rdf.DocumentVersion, iri("v2")),
		tr("v1", rdf.LogicalFile, iri("logical1")),
		tr("physical1", rdf.DataSource, iri("logical1")),
		tr("physical1", ex+"name", rdf.Plain("v1.pdf")),
		tr("logical1", ex+"name", rdf.Plain("v1")),
		tr("series1", rdf.HasVersion, iri("v1")),
		tr("series3", rdf.HasVersion, iri("v1")),
		tr("series3", rdf.HasVersion, iri("v9")),
		tr("step", rdf.Generated, iri("news1")),
		tr("step", ex+"title", rdf.Plain("agendapunt")),

		tr("otherSession", rdf.PublishedNewsInfo, iri("news9")),
		tr("news9", rdf.DocumentVersion, iri("v2")),
		tr("v2", rdf.LogicalFile, iri("logical2")),
		tr("series2", rdf.HasVersion, iri("v2")),
	)
}

func TestDeleteSessionRemovesUnsharedDerivedData(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedPublishedSession(m)
	g, _ := m.Graph(graph)

	report, err := newDeleter().DeleteSession(ctx, g, ex+"session")
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewsItems)
	assert.Equal(t, []string{ex + "v1", ex + "logical1", ex + "physical1", ex + "series1"}, report.Derived)

	left := m.Triples(graph)
	for _, gone := range []string{"session", "news1", "v1", "logical1", "physical1", "series1", "step"} {
		assert.False(t, mentions(left, ex+gone), "%s should be gone", gone)
	}
	for _, kept := range []rdf.Triple{
		tr("news9", rdf.DocumentVersion, iri("v2")),
		tr("v2", rdf.LogicalFile, iri("logical2")),
		tr("series2", rdf.HasVersion, iri("v2")),
		tr("series3", rdf.HasVersion, iri("v9")),
		tr("otherSession", rdf.PublishedNewsInfo, iri("news9")),
	} {
		assert.True(t, m.Has(graph, kept), "%s should survive", kept)
	}
}

func TestDeleteSessionWithoutPriorData(t *testing.T) {
	m := store.NewMemory()
	g, _ := m.Graph(graph)
	report, err := newDeleter().DeleteSession(context.Background(), g, ex+"fresh")
	require.NoError(t, err)
	assert.Zero(t, report.NewsItems)
	assert.Empty(t, report.Derived)
}

func TestRunDetectsSessionsInInserts(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedPublishedSession(m)
	g, _ := m.Graph(graph)

	inserts := []rdf.Triple{
		tr("unrelated", rdf.RDFType, iri("Thing")),
		tr("session", rdf.RDFType, rdf.IRI(DefaultSessionClass)),
	}
	reports, err := newDeleter().Run(ctx, g, inserts)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, ex+"session", reports[0].Session)
	assert.False(t, mentions(m.Triples(graph), ex+"news1"))
}

func TestDeleteSessionPropagatesStoreErrors(t *testing.T) {
	m := store.NewMemory()
	seedPublishedSession(m)
	m.FailWrite = func(w store.Write) error {
		if w.Op == "purge" {
			return errors.New("store down")
		}
		return nil
	}
	g, _ := m.Graph(graph)
	_, err := newDeleter().DeleteSession(context.Background(), g, ex+"session")
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindApply))
}
