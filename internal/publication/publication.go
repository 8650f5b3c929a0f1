// Package publication talks to the remote publication API that serves
// delta files and the documents they reference.
package publication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"deltasync/internal/domain"
	"deltasync/internal/syncerr"
)

const (
	DefaultFilesPath    = "/files"
	DefaultDownloadPath = "/files/:id/download"
	DefaultDocumentPath = "/documents/:id/download"

	listingMime = "application/vnd.api+json"
)

type Options struct {
	BaseURL      string
	FilesPath    string
	DownloadPath string
	DocumentPath string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Client lists delta files and downloads delta and document content.
type Client struct {
	BaseURL      string
	FilesPath    string
	DownloadPath string
	DocumentPath string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func New(opts Options) *Client {
	if opts.FilesPath == "" {
		opts.FilesPath = DefaultFilesPath
	}
	if opts.DownloadPath == "" {
		opts.DownloadPath = DefaultDownloadPath
	}
	if opts.DocumentPath == "" {
		opts.DocumentPath = DefaultDocumentPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		BaseURL:      strings.TrimRight(opts.BaseURL, "/"),
		FilesPath:    opts.FilesPath,
		DownloadPath: opts.DownloadPath,
		DocumentPath: opts.DocumentPath,
		HTTPClient:   &http.Client{Timeout: opts.Timeout},
		Logger:       opts.Logger,
	}
}

type listing struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Created string `json:"created"`
			Name    string `json:"name"`
		} `json:"attributes"`
	} `json:"data"`
}

// List returns the delta files created strictly after since, oldest first.
func (c *Client) List(ctx context.Context, since time.Time) ([]domain.DeltaFileRef, error) {
	endpoint := c.BaseURL + c.FilesPath
	u := endpoint + "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, syncerr.Fetch("build listing request", endpoint, err)
	}
	req.Header.Set("Accept", listingMime)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, syncerr.Fetch("list delta files", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, syncerr.Fetch("list delta files", endpoint, syncerr.Status(resp.StatusCode, string(body)))
	}

	var payload listing
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, syncerr.Parse("decode delta file listing", endpoint, err)
	}
	if payload.Data == nil {
		return nil, syncerr.Parse("decode delta file listing", endpoint, fmt.Errorf("missing data array"))
	}
	files := make([]domain.DeltaFileRef, 0, len(payload.Data))
	for _, entry := range payload.Data {
		if entry.ID == "" {
			return nil, syncerr.Parse("decode delta file listing", endpoint, fmt.Errorf("entry without id"))
		}
		created, err := time.Parse(time.RFC3339Nano, entry.Attributes.Created)
		if err != nil {
			return nil, syncerr.Parse("decode delta file listing", entry.ID, fmt.Errorf("created: %w", err))
		}
		if !created.After(since) {
			continue
		}
		files = append(files, domain.DeltaFileRef{
			ID:          entry.ID,
			Name:        entry.Attributes.Name,
			CreatedAt:   created.UTC(),
			DownloadURL: c.DownloadURL(entry.ID),
		})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].CreatedAt.Before(files[j].CreatedAt) })
	c.Logger.Debug("listed delta files", "since", since.UTC().Format(time.RFC3339), "count", len(files))
	return files, nil
}

// DownloadURL returns the URL serving the content of delta file id.
func (c *Client) DownloadURL(id string) string {
	return c.BaseURL + expand(c.DownloadPath, id)
}

// DocumentURL returns the URL serving the binary content of document id.
func (c *Client) DocumentURL(id string) string {
	return c.BaseURL + expand(c.DocumentPath, id)
}

// Download streams the body served at rawURL into w.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, syncerr.Download("build download request", rawURL, err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, syncerr.Download("download", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, syncerr.Download("download", rawURL, syncerr.Status(resp.StatusCode, string(body)))
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, syncerr.Download("stream body", rawURL, err)
	}
	return n, nil
}

func expand(template, id string) string {
	return strings.Replace(template, ":id", url.PathEscape(id), 1)
}
