package sparql

import (
	"fmt"
	"strings"
)

// Grant lists the housekeeping graphs a privileged client may touch, either
// by exact URI or by prefix.
type Grant struct {
	Graphs   []string
	Prefixes []string
}

// Allows reports whether graph is covered by the grant.
func (g Grant) Allows(graph string) bool {
	for _, allowed := range g.Graphs {
		if allowed == graph {
			return true
		}
	}
	for _, p := range g.Prefixes {
		if p != "" && strings.HasPrefix(graph, p) {
			return true
		}
	}
	return false
}

// Capability hands out clients that bypass access control, one graph at a
// time.
type Capability struct {
	client *Client
	grant  Grant
}

// Privileged returns a capability for the graphs in grant.
func (c *Client) Privileged(grant Grant) *Capability {
	return &Capability{client: c, grant: grant}
}

// Scope returns a privileged client for graph, or an error when the grant
// does not cover it.
func (p *Capability) Scope(graph string) (*Client, error) {
	if !p.grant.Allows(graph) {
		return nil, fmt.Errorf("graph %s is not granted privileged access", graph)
	}
	scoped := *p.client
	scoped.sudo = true
	return &scoped, nil
}
