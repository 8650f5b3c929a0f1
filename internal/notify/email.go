package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"deltasync/internal/rdf"
	"deltasync/internal/store"
)

const (
	DefaultEmailFrom   = "noreply@kaleidos.vlaanderen.be"
	DefaultEmailGraph  = "http://mu.semte.ch/graphs/system/email"
	DefaultEmailOutbox = "http://themis.vlaanderen.be/id/mail-folders/d9a415a4-b5e5-41d0-80ee-3f85d69e318c"
)

// EmailOutbox queues an nmo:Email in the outbox folder of the email graph
// for the mail delivery service to pick up.
type EmailOutbox struct {
	Dataset      store.Dataset
	Graph        string
	Outbox       string
	From         string
	To           string
	ResourceBase string
	Now          func() time.Time
}

func (e *EmailOutbox) Notify(ctx context.Context, f Failure) error {
	if strings.TrimSpace(e.To) == "" {
		return nil
	}
	g, err := e.Dataset.Graph(e.graph())
	if err != nil {
		return fmt.Errorf("email graph: %w", err)
	}
	id := uuid.NewString()
	if err := g.Insert(ctx, e.Triples(id, f)); err != nil {
		return fmt.Errorf("queue email: %w", err)
	}
	return nil
}

// Triples describes the email with the given id for f.
func (e *EmailOutbox) Triples(id string, f Failure) []rdf.Triple {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	from := e.From
	if from == "" {
		from = DefaultEmailFrom
	}
	outbox := e.Outbox
	if outbox == "" {
		outbox = DefaultEmailOutbox
	}
	base := strings.TrimRight(e.ResourceBase, "/")
	if base == "" {
		base = "http://themis.vlaanderen.be"
	}
	s := rdf.IRI(base + "/id/emails/" + id)
	return []rdf.Triple{
		{Subject: s, Predicate: rdf.IRI(rdf.RDFType), Object: rdf.IRI(rdf.EmailClass)},
		{Subject: s, Predicate: rdf.IRI(rdf.MuUUID), Object: rdf.Plain(id)},
		{Subject: s, Predicate: rdf.IRI(rdf.MessageFrom), Object: rdf.Plain(from)},
		{Subject: s, Predicate: rdf.IRI(rdf.EmailTo), Object: rdf.Plain(e.To)},
		{Subject: s, Predicate: rdf.IRI(rdf.MessageSubject), Object: rdf.Plain(f.Subject())},
		{Subject: s, Predicate: rdf.IRI(rdf.PlainTextContent), Object: rdf.Plain(f.Body())},
		{Subject: s, Predicate: rdf.IRI(rdf.SentDate), Object: rdf.Typed(now().UTC().Format(time.RFC3339), rdf.XSDDateTime)},
		{Subject: s, Predicate: rdf.IRI(rdf.IsPartOf), Object: rdf.IRI(outbox)},
	}
}

func (e *EmailOutbox) graph() string {
	if e.Graph == "" {
		return DefaultEmailGraph
	}
	return e.Graph
}
