// Package cascade removes data derived from a previous publication of a
// session before the session is ingested again.
package cascade

import (
	"context"
	"fmt"
	"log/slog"

	"deltasync/internal/rdf"
	"deltasync/internal/store"
	"deltasync/internal/syncerr"
)

// DefaultSessionClass is the rdf:type that marks a session.
const DefaultSessionClass = "http://data.vlaanderen.be/ns/besluit#Zitting"

// Deleter performs the session cascade. The chain it follows is
//
//	session  ext:publishedNieuwsbriefInfo  newsItem
//	newsItem ext:documentVersie            version
//	version  ext:file                      logicalFile
//	physical nie:dataSource                logicalFile
//	series   besluitvorming:heeftVersie    version
//
// A version is only removed when no other news item references it, and a
// series only when all of its versions are removed.
type Deleter struct {
	SessionClass string
	Logger       *slog.Logger
}

// Report summarizes one cascade.
type Report struct {
	Session   string
	NewsItems int
	Derived   []string
}

func New(sessionClass string, logger *slog.Logger) *Deleter {
	if sessionClass == "" {
		sessionClass = DefaultSessionClass
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deleter{SessionClass: sessionClass, Logger: logger}
}

// Sessions returns the session subjects declared in inserts.
func (d *Deleter) Sessions(inserts []rdf.Triple) []string {
	return rdf.SubjectsTyped(inserts, d.SessionClass)
}

// Run cascades every session declared in inserts.
func (d *Deleter) Run(ctx context.Context, g store.Graph, inserts []rdf.Triple) ([]Report, error) {
	var reports []Report
	for _, session := range d.Sessions(inserts) {
		d.Logger.Info("session will be ingested; removing previously ingested data first", "session", session)
		r, err := d.DeleteSession(ctx, g, session)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// DeleteSession removes the data derived from session and every triple
// naming the session.
func (d *Deleter) DeleteSession(ctx context.Context, g store.Graph, session string) (Report, error) {
	report := Report{Session: session}
	newsItems, err := g.Objects(ctx, session, rdf.PublishedNewsInfo)
	if err != nil {
		return report, d.fail("find news items", session, err)
	}
	for _, item := range newsItems {
		derived, err := d.derivedFrom(ctx, g, item)
		if err != nil {
			return report, err
		}
		for _, e := range derived {
			if err := g.Purge(ctx, e); err != nil {
				return report, d.fail("purge derived resource", e, err)
			}
		}
		steps, err := g.Subjects(ctx, rdf.Generated, item)
		if err != nil {
			return report, d.fail("find procedure steps", item, err)
		}
		for _, step := range steps {
			if err := g.DropSubject(ctx, step); err != nil {
				return report, d.fail("drop procedure step", step, err)
			}
		}
		if err := g.Purge(ctx, item); err != nil {
			return report, d.fail("purge news item", item, err)
		}
		report.NewsItems++
		report.Derived = append(report.Derived, derived...)
	}
	if err := g.Purge(ctx, session); err != nil {
		return report, d.fail("purge session", session, err)
	}
	d.Logger.Debug("session cascade done", "session", session, "news_items", report.NewsItems, "derived", len(report.Derived))
	return report, nil
}

// derivedFrom lists the versions owned by item and the files and series
// hanging off them.
func (d *Deleter) derivedFrom(ctx context.Context, g store.Graph, item string) ([]string, error) {
	versions, err := g.Objects(ctx, item, rdf.DocumentVersion)
	if err != nil {
		return nil, d.fail("find document versions", item, err)
	}
	owned := map[string]bool{}
	var ordered []string
	for _, v := range versions {
		parents, err := g.Subjects(ctx, rdf.DocumentVersion, v)
		if err != nil {
			return nil, d.fail("find version parents", v, err)
		}
		if onlyRefersTo(parents, item) {
			owned[v] = true
			ordered = append(ordered, v)
		}
	}

	seen := map[string]bool{}
	var out []string
	add := func(vals ...string) {
		for _, v := range vals {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	for _, v := range ordered {
		add(v)
		logical, err := g.Objects(ctx, v, rdf.LogicalFile)
		if err != nil {
			return nil, d.fail("find logical files", v, err)
		}
		for _, lf := range logical {
			add(lf)
			physical, err := g.Subjects(ctx, rdf.DataSource, lf)
			if err != nil {
				return nil, d.fail("find physical files", lf, err)
			}
			add(physical...)
		}
		series, err := g.Subjects(ctx, rdf.HasVersion, v)
		if err != nil {
			return nil, d.fail("find series", v, err)
		}
		for _, s := range series {
			members, err := g.Objects(ctx, s, rdf.HasVersion)
			if err != nil {
				return nil, d.fail("find series versions", s, err)
			}
			if allIn(members, owned) {
				add(s)
			}
		}
	}
	return out, nil
}

func (d *Deleter) fail(op, ref string, err error) error {
	return syncerr.Apply(fmt.Sprintf("session cascade: %s", op), ref, err)
}

func onlyRefersTo(parents []string, item string) bool {
	for _, p := range parents {
		if p != item {
			return false
		}
	}
	return true
}

func allIn(vals []string, set map[string]bool) bool {
	for _, v := range vals {
		if !set[v] {
			return false
		}
	}
	return true
}
