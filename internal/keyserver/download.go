package keyserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	maxIndexSize       = 1 << 20
)

// Batch is an ordered group of downloaded key files submitted together.
// Dir holds the files and is owned by whoever submits the batch.
type Batch struct {
	Dir   string
	Files []string
}

// Count returns the number of files in the batch.
func (b Batch) Count() int { return len(b.Files) }

// indexEntry is one element of the key server index:
// [{"Keys": ["https://host/a.zip", ...]}, ...]
type indexEntry struct {
	Keys []string `json:"Keys"`
}

// Downloader fetches the key server index and the files it names.
type Downloader struct {
	indexURL    string
	client      *http.Client
	tempDir     string
	concurrency int
	logger      *slog.Logger
}

// NewDownloader creates a Downloader for indexURL. Files are written below
// tempDir (os.TempDir when empty). concurrency <= 0 uses 4 parallel fetches.
func NewDownloader(indexURL, tempDir string, concurrency int) *Downloader {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Downloader{
		indexURL:    indexURL,
		client:      NewHTTPClient(),
		tempDir:     tempDir,
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// NewHTTPClient returns a client that negotiates HTTP/2 over TLS and falls
// back to HTTP/1.1.
func NewHTTPClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.IdleConnTimeout = 90 * time.Second
	if err := http2.ConfigureTransport(t); err != nil {
		slog.Warn("http2 not configured for key server client", "error", err)
	}
	return &http.Client{Transport: t}
}

// Download returns one Batch per index entry. Any failed fetch fails the
// whole download and removes everything already written.
func (d *Downloader) Download(ctx context.Context) ([]Batch, error) {
	if d.indexURL == "" {
		return nil, fmt.Errorf("key server index URL not configured")
	}

	entries, err := d.fetchIndex(ctx)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key file directory: %w", err)
	}

	batches := make([]Batch, 0, len(entries))
	cleanup := func() {
		for _, b := range batches {
			if err := os.RemoveAll(b.Dir); err != nil {
				d.logger.Warn("removing batch directory failed", "dir", b.Dir, "error", err)
			}
		}
	}

	for _, e := range entries {
		if len(e.Keys) == 0 {
			continue
		}
		dir, err := os.MkdirTemp(d.tempDir, "keys-*")
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("creating batch directory: %w", err)
		}
		batches = append(batches, Batch{Dir: dir, Files: make([]string, len(e.Keys))})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	bi := 0
	for _, e := range entries {
		if len(e.Keys) == 0 {
			continue
		}
		b := batches[bi]
		bi++
		for i, raw := range e.Keys {
			u, err := d.resolve(raw)
			if err != nil {
				g.Wait()
				cleanup()
				return nil, err
			}
			dest := b.Files
			idx := i
			target := filepath.Join(b.Dir, fmt.Sprintf("%03d-%s", i, baseName(u)))
			g.Go(func() error {
				if err := d.fetchFile(gctx, u, target); err != nil {
					return err
				}
				dest[idx] = target
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		cleanup()
		return nil, fmt.Errorf("downloading key files: %w", err)
	}

	d.logger.Debug("downloaded key batches", "batches", len(batches))
	return batches, nil
}

func (d *Downloader) fetchIndex(ctx context.Context) ([]indexEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.indexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating index request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching key index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching key index: unexpected status %d", resp.StatusCode)
	}

	var entries []indexEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIndexSize)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding key index: %w", err)
	}
	return entries, nil
}

func (d *Downloader) fetchFile(ctx context.Context, u *url.URL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating file request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %d", u, resp.StatusCode)
	}

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return f.Close()
}

// resolve interprets relative key URLs against the index URL.
func (d *Downloader) resolve(raw string) (*url.URL, error) {
	base, err := url.Parse(d.indexURL)
	if err != nil {
		return nil, fmt.Errorf("parsing index URL: %w", err)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing key URL %q: %w", raw, err)
	}
	return base.ResolveReference(ref), nil
}

func baseName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return "keys.bin"
	}
	return name
}
