// Package document mirrors binary documents referenced by ingested data
// into local storage.
package document

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"deltasync/internal/domain"
	"deltasync/internal/rdf"
	"deltasync/internal/store"
	"deltasync/internal/syncerr"
)

const (
	shareScheme     = "share://"
	DefaultShareDir = "/share"
)

// Source serves document content by uuid.
type Source interface {
	DocumentURL(id string) string
	Download(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

type Mirror struct {
	Source   Source
	ShareDir string
	Logger   *slog.Logger
}

func New(src Source, shareDir string, logger *slog.Logger) *Mirror {
	if shareDir == "" {
		shareDir = DefaultShareDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{Source: src, ShareDir: shareDir, Logger: logger}
}

// Sync copies every document declared in inserts. Lookups run against g.
// Transfer failures are logged and skipped; only store lookup failures are
// returned.
func (m *Mirror) Sync(ctx context.Context, g store.Graph, inserts []rdf.Triple) ([]domain.DocumentRef, error) {
	var copied []domain.DocumentRef
	for _, doc := range rdf.SubjectsTyped(inserts, rdf.FileDataObject) {
		ref, ok, err := m.Resolve(ctx, g, doc)
		if err != nil {
			return copied, err
		}
		if !ok {
			m.Logger.Debug("document has no uuid or physical file yet", "document", doc)
			continue
		}
		m.Logger.Info("copying document", "location", ref.PhysicalLocation, "uuid", ref.UUID)
		if err := m.Download(ctx, ref); err != nil {
			m.Logger.Warn("document download failed", "document", doc, "err", err)
			continue
		}
		copied = append(copied, ref)
	}
	if len(copied) > 0 {
		m.Logger.Info("documents copied", "count", len(copied))
	}
	return copied, nil
}

// Resolve finds the uuid and physical location of document.
func (m *Mirror) Resolve(ctx context.Context, g store.Graph, document string) (domain.DocumentRef, bool, error) {
	ref := domain.DocumentRef{LogicalID: document}
	uuids, err := g.Objects(ctx, document, rdf.MuUUID)
	if err != nil {
		return ref, false, syncerr.Apply("lookup document uuid", document, err)
	}
	files, err := g.Subjects(ctx, rdf.DataSource, document)
	if err != nil {
		return ref, false, syncerr.Apply("lookup physical file", document, err)
	}
	if len(uuids) == 0 || len(files) == 0 {
		return ref, false, nil
	}
	ref.UUID = uuids[0]
	ref.PhysicalLocation = files[0]
	return ref, true, nil
}

// Path maps a share:// location into the share directory.
func (m *Mirror) Path(location string) (string, error) {
	if !strings.HasPrefix(location, shareScheme) {
		return "", fmt.Errorf("unsupported location %q", location)
	}
	rel := filepath.Clean("/" + strings.TrimPrefix(location, shareScheme))
	if rel == "/" {
		return "", fmt.Errorf("empty location %q", location)
	}
	return filepath.Join(m.ShareDir, rel), nil
}

// Download streams ref's content to its local path through a .part file.
func (m *Mirror) Download(ctx context.Context, ref domain.DocumentRef) error {
	target, err := m.Path(ref.PhysicalLocation)
	if err != nil {
		return syncerr.Download("map location", ref.PhysicalLocation, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return syncerr.Download("create directory", target, err)
	}
	part := target + ".part"
	f, err := os.Create(part)
	if err != nil {
		return syncerr.Download("create file", part, err)
	}
	_, err = m.Source.Download(ctx, m.Source.DocumentURL(ref.UUID), f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = syncerr.Download("close file", part, cerr)
	}
	if err != nil {
		_ = os.Remove(part)
		return err
	}
	if err := os.Rename(part, target); err != nil {
		_ = os.Remove(part)
		return syncerr.Download("rename file", target, err)
	}
	return nil
}
