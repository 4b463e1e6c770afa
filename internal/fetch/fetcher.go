// Package fetch downloads remote files into the bot's scratch directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MaxAssets is the platform's album ceiling; URLs past it are never fetched.
const MaxAssets = 10

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBytes    = 50 * 1024 * 1024
	defaultConcurrency = 4
)

// ErrNoAssets means not a single URL in a batch could be downloaded.
var ErrNoAssets = errors.New("no assets available")

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

// Config configures a Fetcher.
type Config struct {
	Dir         string        // scratch directory, created if missing
	Timeout     time.Duration // per download
	MaxBytes    int64
	Concurrency int
	Client      *http.Client
	Logger      *slog.Logger
}

// Fetcher downloads URLs to uniquely named files under Dir.
type Fetcher struct {
	dir         string
	timeout     time.Duration
	maxBytes    int64
	concurrency int
	client      *http.Client
	logger      *slog.Logger
}

// Asset is a generated image URL and the file it was saved to.
type Asset struct {
	URL  string
	Path string
}

func New(cfg Config) (*Fetcher, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "difybot")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		dir:         cfg.Dir,
		timeout:     cfg.Timeout,
		maxBytes:    cfg.MaxBytes,
		concurrency: cfg.Concurrency,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}, nil
}

// Dir returns the scratch directory.
func (f *Fetcher) Dir() string { return f.dir }

// FetchAll downloads at most MaxAssets of urls and returns the successful
// ones in input order. Failed downloads are dropped; if all fail it returns
// ErrNoAssets.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) ([]Asset, error) {
	if len(urls) > MaxAssets {
		f.logger.Info("capping generated assets", "returned", len(urls), "max", MaxAssets)
		urls = urls[:MaxAssets]
	}

	paths := make([]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			p, err := f.Save(gctx, u, AssetName(u))
			if err != nil {
				f.logger.Error("asset download failed", "url", u, "err", err)
				metrics.AssetDownloads("failed").Inc()
				return nil
			}
			metrics.AssetDownloads("ok").Inc()
			paths[i] = p
			return nil
		})
	}
	_ = g.Wait()

	assets := make([]Asset, 0, len(urls))
	for i, p := range paths {
		if p != "" {
			assets = append(assets, Asset{URL: urls[i], Path: p})
		}
	}
	if len(assets) == 0 {
		return nil, ErrNoAssets
	}
	return assets, nil
}

// Save downloads rawURL into the scratch directory under name, or under a
// random name when name is empty or already taken. Existing files are never
// overwritten.
func (f *Fetcher) Save(ctx context.Context, rawURL, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max: %d)", resp.ContentLength, f.maxBytes)
	}

	out, err := f.create(name)
	if err != nil {
		return "", err
	}
	written, err := io.Copy(out, io.LimitReader(resp.Body, f.maxBytes+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > f.maxBytes {
		err = fmt.Errorf("file too large: more than %d bytes", f.maxBytes)
	}
	if err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("write file: %w", err)
	}

	f.logger.Debug("file downloaded", "path", out.Name(), "size", written)
	return out.Name(), nil
}

// create opens a new file exclusively, falling back to a random name when
// name is empty or taken.
func (f *Fetcher) create(name string) (*os.File, error) {
	name = filepath.Base(name)
	if name != "" && name != "." && name != string(filepath.Separator) {
		file, err := os.OpenFile(filepath.Join(f.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create file: %w", err)
		}
		ext := filepath.Ext(name)
		name = RandomName(ext)
	} else {
		name = RandomName(".jpeg")
	}
	file, err := os.OpenFile(filepath.Join(f.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return file, nil
}

// AssetName derives a file name from the URL path when it carries a known
// image extension, otherwise returns a random .jpeg name.
func AssetName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if imageExts[strings.ToLower(path.Ext(base))] {
			return base
		}
	}
	return RandomName(".jpeg")
}

// RandomName returns a UUID-based file name with ext.
func RandomName(ext string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + ext
}
