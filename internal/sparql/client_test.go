package sparql

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	param string
	text  string
	sudo  string
}

func newEndpoint(t *testing.T, status int, body string) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		c := captured{sudo: r.Header.Get("mu-auth-sudo")}
		if q := r.PostForm.Get("query"); q != "" {
			c.param, c.text = "query", q
		} else {
			c.param, c.text = "update", r.PostForm.Get("update")
		}
		calls = append(calls, c)
		w.Header().Set("Content-Type", resultsMime)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestQueryDecodesBindings(t *testing.T) {
	srv, calls := newEndpoint(t, http.StatusOK, `{
	  "head": {"vars": ["s"]},
	  "results": {"bindings": [
	    {"s": {"type": "uri", "value": "http://example.org/a"}},
	    {},
	    {"s": {"type": "literal", "value": "b", "xml:lang": "nl"}}
	  ]}
	}`)
	c := New(srv.URL, 0)
	res, err := c.Query(context.Background(), "SELECT ?s WHERE { ?s ?p ?o }")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.org/a", "b"}, res.Values("s"))
	assert.Equal(t, "nl", res.Results.Bindings[2]["s"].Lang)
	require.Len(t, *calls, 1)
	assert.Equal(t, "query", (*calls)[0].param)
	assert.Empty(t, (*calls)[0].sudo)
}

func TestAskDecodesBoolean(t *testing.T) {
	srv, _ := newEndpoint(t, http.StatusOK, `{"head": {}, "boolean": true}`)
	res, err := New(srv.URL, 0).Query(context.Background(), "ASK { ?s ?p ?o }")
	require.NoError(t, err)
	require.NotNil(t, res.Boolean)
	assert.True(t, *res.Boolean)
}

func TestUpdateErrorsOnFailureStatus(t *testing.T) {
	srv, calls := newEndpoint(t, http.StatusBadRequest, "syntax error")
	err := New(srv.URL, 0).Update(context.Background(), "INSERT DATA { }")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "syntax error")
	assert.Equal(t, "update", (*calls)[0].param)
}

func TestCapabilityScopesSudo(t *testing.T) {
	srv, calls := newEndpoint(t, http.StatusOK, "")
	c := New(srv.URL, 0)
	capability := c.Privileged(Grant{
		Graphs:   []string{"http://mu.semte.ch/graphs/system/email"},
		Prefixes: []string{"http://mu.semte.ch/graphs/import/"},
	})

	_, err := capability.Scope("http://mu.semte.ch/graphs/public")
	assert.Error(t, err)

	scoped, err := capability.Scope("http://mu.semte.ch/graphs/import/abc")
	require.NoError(t, err)
	require.NoError(t, scoped.Update(context.Background(), "INSERT DATA { }"))
	require.NoError(t, c.Update(context.Background(), "INSERT DATA { }"))

	require.Len(t, *calls, 2)
	assert.Equal(t, "true", (*calls)[0].sudo)
	assert.Empty(t, (*calls)[1].sudo, "the unscoped client must stay unprivileged")
}
