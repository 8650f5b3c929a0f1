package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deltasync/internal/rdf"
	"deltasync/internal/store"
)

func sampleFailure() Failure {
	return Failure{
		Environment: "staging",
		TaskID:      "task-1",
		Kind:        "apply",
		File:        "file-2",
		Detail:      "apply: insert batch 0-5 http://graph: store down",
		Until:       time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestEmailOutboxQueuesEmail(t *testing.T) {
	m := store.NewMemory()
	e := &EmailOutbox{
		Dataset: m,
		To:      "ops@example.org",
		Now:     func() time.Time { return time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC) },
	}
	require.NoError(t, e.Notify(context.Background(), sampleFailure()))

	triples := m.Triples(DefaultEmailGraph)
	require.Len(t, triples, 8)
	email := triples[0].Subject
	assert.True(t, m.Has(DefaultEmailGraph, rdf.Triple{Subject: email, Predicate: rdf.IRI(rdf.IsPartOf), Object: rdf.IRI(DefaultEmailOutbox)}))
	assert.True(t, m.Has(DefaultEmailGraph, rdf.Triple{Subject: email, Predicate: rdf.IRI(rdf.MessageFrom), Object: rdf.Plain(DefaultEmailFrom)}))
	assert.True(t, m.Has(DefaultEmailGraph, rdf.Triple{Subject: email, Predicate: rdf.IRI(rdf.MessageSubject), Object: rdf.Plain("[staging] delta sync task task-1 failed")}))
	assert.True(t, m.Has(DefaultEmailGraph, rdf.Triple{Subject: email, Predicate: rdf.IRI(rdf.SentDate), Object: rdf.Typed("2024-01-03T08:00:00Z", rdf.XSDDateTime)}))
}

func TestEmailOutboxWithoutRecipientIsDisabled(t *testing.T) {
	m := store.NewMemory()
	require.NoError(t, (&EmailOutbox{Dataset: m}).Notify(context.Background(), sampleFailure()))
	assert.Empty(t, m.Writes())
}

func TestWebhookPostsFailure(t *testing.T) {
	var got webhookEvent
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := &Webhook{URL: srv.URL, Secret: "s3cret"}
	require.NoError(t, hook.Notify(context.Background(), sampleFailure()))
	assert.Equal(t, "task.failed", headers.Get("X-Deltasync-Event"))
	assert.Equal(t, "staging", headers.Get("X-Deltasync-Environment"))
	assert.Equal(t, "s3cret", headers.Get("X-Deltasync-Secret"))
	assert.Equal(t, "task-1", got.Failure.TaskID)
	assert.Equal(t, "file-2", got.Failure.File)
}

func TestWebhookKindFilterAndErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusTeapot)
	}))
	defer srv.Close()

	filtered := &Webhook{URL: srv.URL, Kinds: []string{"fetch"}}
	require.NoError(t, filtered.Notify(context.Background(), sampleFailure()))
	assert.Zero(t, calls)

	err := (&Webhook{URL: srv.URL}).Notify(context.Background(), sampleFailure())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
	assert.Equal(t, 1, calls)
}

func TestMultiJoinsErrors(t *testing.T) {
	var seen []string
	ok := Func(func(_ context.Context, f Failure) error {
		seen = append(seen, f.TaskID)
		return nil
	})
	bad := Func(func(context.Context, Failure) error { return errors.New("smtp down") })

	err := Multi{ok, nil, bad, Nop{}}.Notify(context.Background(), sampleFailure())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Equal(t, []string{"task-1"}, seen)
}

func TestFailureBody(t *testing.T) {
	body := sampleFailure().Body()
	assert.Contains(t, body, "Environment: staging")
	assert.Contains(t, body, "Consumed until: 2024-01-02T00:00:00Z")
	assert.Contains(t, body, "Failed file: file-2")
}
