package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfroyo/enginebridge/pkg/engine"
)

// LoaderConfig configures resource retrieval.
type LoaderConfig struct {
	// Timeout bounds one fetch, including reading the body. Zero means no limit.
	Timeout time.Duration `yaml:"timeout"`

	// MaxBytes rejects larger payloads. Zero means no limit.
	MaxBytes int64 `yaml:"max_bytes" validate:"gte=0"`

	// UserAgent is sent with HTTP requests.
	UserAgent string `yaml:"user_agent"`

	// BaseURL, when set, resolves scheme-less URLs against an HTTP origin,
	// the way a page resolves "/data/lexicon.kwg". Otherwise they are file paths.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// BaseDir resolves relative file paths.
	BaseDir string `yaml:"base_dir"`
}

// DefaultLoaderConfig returns the default loader configuration.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		Timeout:   2 * time.Minute,
		MaxBytes:  512 << 20,
		UserAgent: "enginebridge",
	}
}

// ResourceLoader fetches byte resources and installs them into the engine.
// It never retries.
type ResourceLoader struct {
	config LoaderConfig
	client *http.Client
}

// NewResourceLoader creates a loader with an instrumented HTTP client.
func NewResourceLoader(cfg LoaderConfig) *ResourceLoader {
	return &ResourceLoader{
		config: cfg,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Fetch retrieves the resource at rawURL. http and https URLs are fetched over
// the network, file URLs are read from disk, and bare paths go to BaseURL when
// one is configured. A non-2xx response is a FetchError carrying the status
// code and reason.
func (l *ResourceLoader) Fetch(ctx context.Context, name, rawURL string) ([]byte, error) {
	if l.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.Timeout)
		defer cancel()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, engine.NewFetchFailure(name, rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return l.fetchHTTP(ctx, name, rawURL)
	case "file":
		return l.readFile(name, rawURL, u.Path)
	case "":
		if l.config.BaseURL != "" {
			base, err := url.Parse(l.config.BaseURL)
			if err != nil {
				return nil, engine.NewFetchFailure(name, rawURL, err)
			}
			return l.fetchHTTP(ctx, name, base.ResolveReference(u).String())
		}
		return l.readFile(name, rawURL, rawURL)
	default:
		return nil, engine.NewFetchFailure(name, rawURL, fmt.Errorf("unsupported URL scheme %q", u.Scheme))
	}
}

func (l *ResourceLoader) fetchHTTP(ctx context.Context, name, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, engine.NewFetchFailure(name, rawURL, err)
	}
	if l.config.UserAgent != "" {
		req.Header.Set("User-Agent", l.config.UserAgent)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, engine.NewFetchFailure(name, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, engine.NewFetchError(name, rawURL, resp.StatusCode, statusReason(resp))
	}

	return l.readAll(name, rawURL, resp.Body)
}

func (l *ResourceLoader) readFile(name, rawURL, path string) ([]byte, error) {
	if !filepath.IsAbs(path) && l.config.BaseDir != "" {
		path = filepath.Join(l.config.BaseDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, engine.NewFetchFailure(name, rawURL, err)
	}
	defer f.Close()
	return l.readAll(name, rawURL, f)
}

func (l *ResourceLoader) readAll(name, rawURL string, r io.Reader) ([]byte, error) {
	if l.config.MaxBytes > 0 {
		r = io.LimitReader(r, l.config.MaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, engine.NewFetchFailure(name, rawURL, err)
	}
	if l.config.MaxBytes > 0 && int64(len(data)) > l.config.MaxBytes {
		return nil, engine.NewFetchFailure(name, rawURL,
			fmt.Errorf("resource exceeds %d bytes", l.config.MaxBytes))
	}
	return data, nil
}

// Install copies data into the engine under name.
func (l *ResourceLoader) Install(ctx context.Context, a engine.Adapter, name string, data []byte) error {
	if err := a.Precache(ctx, name, data); err != nil {
		return fmt.Errorf("failed to install %s into engine: %w", name, err)
	}
	return nil
}

// statusReason returns the reason phrase of resp, e.g. "Not Found".
func statusReason(resp *http.Response) string {
	if _, reason, ok := strings.Cut(resp.Status, " "); ok && reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}
