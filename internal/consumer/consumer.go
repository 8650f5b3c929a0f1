// Package consumer ingests a single delta file: download, parse and apply
// its changesets in order.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"deltasync/internal/applier"
	"deltasync/internal/cascade"
	"deltasync/internal/document"
	"deltasync/internal/domain"
	"deltasync/internal/rdf"
	"deltasync/internal/store"
	"deltasync/internal/syncerr"
)

// Strategy selects where a delta file's triples are written.
type Strategy string

const (
	// StrategyStaged writes into a fresh staging graph per file and records
	// a release task for the downstream merge.
	StrategyStaged Strategy = "staged"
	// StrategyDirect writes into the public graph after a session cascade.
	StrategyDirect Strategy = "direct"
)

const (
	DefaultPublicGraph   = "http://mu.semte.ch/graphs/publication-tasks"
	DefaultStagingBase   = "http://mu.semte.ch/graphs/import/"
	DefaultReleaseStatus = "http://kanselarij.vo.data.gift/release-task-statuses/not-started"
	DefaultResourceBase  = "http://themis.vlaanderen.be"
	DefaultSettleDelay   = 5 * time.Second
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyStaged, "":
		return StrategyStaged, nil
	case StrategyDirect:
		return StrategyDirect, nil
	}
	return "", fmt.Errorf("unknown apply strategy %q (want staged or direct)", s)
}

// Source downloads delta file content.
type Source interface {
	Download(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

type Options struct {
	Strategy      Strategy
	PublicGraph   string
	StagingBase   string
	ReleaseGraph  string
	ReleaseStatus string
	ResourceBase  string
	ScratchDir    string
	SettleDelay   time.Duration
}

// Consumer drives the applier, cascade deleter and document mirror over the
// changesets of one delta file at a time.
type Consumer struct {
	Options
	Dataset store.Dataset
	Source  Source
	Applier *applier.Applier
	Cascade *cascade.Deleter
	Mirror  *document.Mirror
	Logger  *slog.Logger
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Outcome describes a consumed file. Watermark is only meaningful when
// consumption succeeded.
type Outcome struct {
	File         domain.DeltaFileRef
	Watermark    time.Time
	ChangeSets   int
	Inserted     int
	Deleted      int
	Unrecognized int
	Sessions     []string
	Documents    int
	Release      *domain.ReleaseTask
	ScratchPath  string
}

func New(opts Options, ds store.Dataset, src Source, ap *applier.Applier, cd *cascade.Deleter, mirror *document.Mirror, logger *slog.Logger) *Consumer {
	if opts.Strategy == "" {
		opts.Strategy = StrategyStaged
	}
	if opts.PublicGraph == "" {
		opts.PublicGraph = DefaultPublicGraph
	}
	if opts.StagingBase == "" {
		opts.StagingBase = DefaultStagingBase
	}
	if opts.ReleaseGraph == "" {
		opts.ReleaseGraph = opts.PublicGraph
	}
	if opts.ReleaseStatus == "" {
		opts.ReleaseStatus = DefaultReleaseStatus
	}
	if opts.ResourceBase == "" {
		opts.ResourceBase = DefaultResourceBase
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ap == nil {
		ap = applier.New(0, logger)
	}
	if cd == nil {
		cd = cascade.New("", logger)
	}
	return &Consumer{
		Options: opts,
		Dataset: ds,
		Source:  src,
		Applier: ap,
		Cascade: cd,
		Mirror:  mirror,
		Logger:  logger,
		Now:     time.Now,
		Sleep:   sleep,
	}
}

// ScratchPath is where the downloaded content of file is kept.
func (c *Consumer) ScratchPath(file domain.DeltaFileRef) string {
	return filepath.Join(c.ScratchDir, file.ID+".json")
}

// Consume downloads, parses and applies file. The scratch copy is removed on
// success and kept on failure. Changesets applied before a failure are not
// rolled back.
func (c *Consumer) Consume(ctx context.Context, file domain.DeltaFileRef) (Outcome, error) {
	out := Outcome{File: file, ScratchPath: c.ScratchPath(file)}
	log := c.Logger.With("file", file.ID)

	if err := c.download(ctx, file, out.ScratchPath); err != nil {
		log.Error("delta file download failed", "url", file.DownloadURL, "err", err)
		return out, err
	}
	data, err := os.ReadFile(out.ScratchPath)
	if err != nil {
		return out, syncerr.Parse("read scratch file", out.ScratchPath, err)
	}
	sets, err := rdf.ParseChangeSets(data)
	if err != nil {
		log.Error("delta file is malformed", "path", out.ScratchPath, "err", err)
		return out, syncerr.Parse("parse delta file", file.ID, err)
	}
	out.ChangeSets = len(sets)
	log.Info("ingesting delta file", "path", out.ScratchPath, "changesets", len(sets), "strategy", string(c.Strategy))

	switch c.Strategy {
	case StrategyDirect:
		err = c.applyDirect(ctx, sets, &out)
	default:
		err = c.applyStaged(ctx, file, sets, &out)
	}
	if err != nil {
		log.Error("delta file ingestion failed; scratch copy kept", "path", out.ScratchPath, "err", err)
		return out, err
	}

	out.Watermark = file.CreatedAt
	if err := os.Remove(out.ScratchPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove scratch copy", "path", out.ScratchPath, "err", err)
	}
	log.Info("delta file ingested", "inserted", out.Inserted, "deleted", out.Deleted, "documents", out.Documents)
	return out, nil
}

func (c *Consumer) download(ctx context.Context, file domain.DeltaFileRef, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return syncerr.Download("create scratch directory", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return syncerr.Download("create scratch file", path, err)
	}
	_, err = c.Source.Download(ctx, file.DownloadURL, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = syncerr.Download("close scratch file", path, cerr)
	}
	return err
}

func (c *Consumer) applyDirect(ctx context.Context, sets []rdf.ChangeSet, out *Outcome) error {
	g, err := c.Dataset.Graph(c.PublicGraph)
	if err != nil {
		return syncerr.Apply("open graph", c.PublicGraph, err)
	}
	for i, cs := range sets {
		out.Unrecognized += unrecognized(cs)
		reports, err := c.Cascade.Run(ctx, g, cs.Inserts)
		if err != nil {
			return fmt.Errorf("changeset %d: %w", i, err)
		}
		for _, r := range reports {
			out.Sessions = append(out.Sessions, r.Session)
		}
		if len(reports) > 0 && c.SettleDelay > 0 {
			if err := c.Sleep(ctx, c.SettleDelay); err != nil {
				return err
			}
		}
		if err := c.Applier.Insert(ctx, g, cs.Inserts); err != nil {
			return fmt.Errorf("changeset %d: %w", i, err)
		}
		out.Inserted += len(cs.Inserts)
		if err := c.Applier.Delete(ctx, g, cs.Deletes); err != nil {
			return fmt.Errorf("changeset %d: %w", i, err)
		}
		out.Deleted += len(cs.Deletes)
		c.syncDocuments(ctx, g, cs.Inserts, out)
	}
	return nil
}

// applyStaged writes net inserts into a staging graph and net deletes into
// its companion deletes graph. The downstream merge applies the deletes
// before the inserts.
func (c *Consumer) applyStaged(ctx context.Context, file domain.DeltaFileRef, sets []rdf.ChangeSet, out *Outcome) error {
	stagingURI := c.StagingBase + uuid.NewString()
	deletesURI := stagingURI + "/deletes"
	staging, err := c.Dataset.Graph(stagingURI)
	if err != nil {
		return syncerr.Apply("open graph", stagingURI, err)
	}
	deletes, err := c.Dataset.Graph(deletesURI)
	if err != nil {
		return syncerr.Apply("open graph", deletesURI, err)
	}
	log := c.Logger.With("file", file.ID, "staging_graph", stagingURI)

	stagedIns := map[string]bool{}
	stagedDel := map[string]bool{}
	for i, cs := range sets {
		out.Unrecognized += unrecognized(cs)
		out.Sessions = appendNew(out.Sessions, c.Cascade.Sessions(cs.Inserts)...)

		cancelDel := pick(cs.Inserts, stagedDel)
		if err := c.Applier.Delete(ctx, deletes, cancelDel); err != nil {
			return fmt.Errorf("changeset %d: %w", i, err)
		}
		if err := c.Applier.Insert(ctx, staging, cs.Inserts); err != nil {
			return fmt.Errorf("changeset %d: %w", i, err)
		}
		mark(cs.Inserts, stagedIns, stagedDel)
		out.Inserted += len(cs.Inserts)

		cancelIns := pick(cs.Deletes, stagedIns)
		if err := c.Applier.Delete(ctx, staging, cancelIns); err != nil {
			return fmt.Errorf("changeset %d: %w", i, err)
		}
		if err := c.Applier.Insert(ctx, deletes, cs.Deletes); err != nil {
			return fmt.Errorf("changeset %d: %w", i, err)
		}
		mark(cs.Deletes, stagedDel, stagedIns)
		out.Deleted += len(cs.Deletes)

		c.syncDocuments(ctx, staging, cs.Inserts, out)
	}
	if len(stagedIns) == 0 && len(stagedDel) == 0 {
		log.Info("delta file carries no changes; no release task recorded")
		return nil
	}

	release, err := c.recordRelease(ctx, stagingURI, deletesURI, out.Sessions)
	if err != nil {
		return err
	}
	out.Release = &release
	log.Info("release task recorded", "release_task", release.URI, "sessions", len(out.Sessions))
	return nil
}

func (c *Consumer) recordRelease(ctx context.Context, stagingURI, deletesURI string, sessions []string) (domain.ReleaseTask, error) {
	id := uuid.NewString()
	rt := domain.ReleaseTask{
		ID:                  id,
		URI:                 strings.TrimRight(c.ResourceBase, "/") + "/id/release-tasks/" + id,
		SourceGraph:         stagingURI,
		DeletesGraph:        deletesURI,
		Status:              c.ReleaseStatus,
		RepublishedSessions: sessions,
		CreatedAt:           c.Now().UTC(),
	}
	g, err := c.Dataset.Graph(c.ReleaseGraph)
	if err != nil {
		return rt, syncerr.Apply("open graph", c.ReleaseGraph, err)
	}
	if err := c.Applier.Insert(ctx, g, ReleaseTriples(rt)); err != nil {
		return rt, err
	}
	return rt, nil
}

// ReleaseTriples describes rt in the release graph.
func ReleaseTriples(rt domain.ReleaseTask) []rdf.Triple {
	s := rdf.IRI(rt.URI)
	triples := []rdf.Triple{
		{Subject: s, Predicate: rdf.IRI(rdf.RDFType), Object: rdf.IRI(rdf.ReleaseTaskClass)},
		{Subject: s, Predicate: rdf.IRI(rdf.MuUUID), Object: rdf.Plain(rt.ID)},
		{Subject: s, Predicate: rdf.IRI(rdf.AdmsStatus), Object: rdf.IRI(rt.Status)},
		{Subject: s, Predicate: rdf.IRI(rdf.DctCreated), Object: rdf.Typed(rt.CreatedAt.Format(time.RFC3339), rdf.XSDDateTime)},
		{Subject: s, Predicate: rdf.IRI(rdf.DctSource), Object: rdf.IRI(rt.SourceGraph)},
		{Subject: s, Predicate: rdf.IRI(rdf.DeletesGraph), Object: rdf.IRI(rt.DeletesGraph)},
	}
	for _, session := range rt.RepublishedSessions {
		triples = append(triples, rdf.Triple{Subject: s, Predicate: rdf.IRI(rdf.RepublishedSession), Object: rdf.IRI(session)})
	}
	return triples
}

func (c *Consumer) syncDocuments(ctx context.Context, g store.Graph, inserts []rdf.Triple, out *Outcome) {
	if c.Mirror == nil {
		return
	}
	refs, err := c.Mirror.Sync(ctx, g, inserts)
	out.Documents += len(refs)
	if err != nil {
		c.Logger.Warn("document sync skipped", "graph", g.URI(), "err", err)
	}
}

func unrecognized(cs rdf.ChangeSet) int {
	_, a := rdf.Statements(cs.Inserts)
	_, b := rdf.Statements(cs.Deletes)
	return len(a) + len(b)
}

func pick(triples []rdf.Triple, set map[string]bool) []rdf.Triple {
	var out []rdf.Triple
	for _, t := range triples {
		if set[t.String()] {
			out = append(out, t)
		}
	}
	return out
}

func mark(triples []rdf.Triple, add, remove map[string]bool) {
	for _, t := range triples {
		k := t.String()
		add[k] = true
		delete(remove, k)
	}
}

func appendNew(dst []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
