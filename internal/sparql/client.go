// Package sparql is a small client for a SPARQL 1.1 protocol endpoint.
package sparql

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 5 * time.Minute
	sudoHeader     = "mu-auth-sudo"
	resultsMime    = "application/sparql-results+json"
)

// Client sends queries and updates to a single endpoint.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
	sudo       bool
}

// New returns a client for endpoint. A zero timeout uses five minutes.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Value is one bound term in a result row.
type Value struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

// Binding is a result row keyed by variable name.
type Binding map[string]Value

// Results is the SPARQL JSON results document. Boolean is set for ASK.
type Results struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results struct {
		Bindings []Binding `json:"bindings"`
	} `json:"results"`
	Boolean *bool `json:"boolean,omitempty"`
}

// Values returns the bound values of name across all rows, skipping rows
// where it is unbound.
func (r *Results) Values(name string) []string {
	var out []string
	for _, b := range r.Results.Bindings {
		if v, ok := b[name]; ok {
			out = append(out, v.Value)
		}
	}
	return out
}

// Query runs a SELECT or ASK query.
func (c *Client) Query(ctx context.Context, query string) (*Results, error) {
	body, err := c.post(ctx, "query", query)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var res Results
	if err := json.NewDecoder(body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode sparql results: %w", err)
	}
	return &res, nil
}

// Update runs an update request.
func (c *Client) Update(ctx context.Context, update string) error {
	body, err := c.post(ctx, "update", update)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

func (c *Client) post(ctx context.Context, param, text string) (io.ReadCloser, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	form := url.Values{}
	form.Set(param, text)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", resultsMime)
	if c.sudo {
		req.Header.Set(sudoHeader, "true")
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("sparql %s: status %d: %s", param, res.StatusCode, strings.TrimSpace(string(b)))
	}
	return res.Body, nil
}
