package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/enginebridge/pkg/engine"
	"github.com/openfroyo/enginebridge/pkg/engine/fake"
)

func TestResourceLoaderFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if ua := r.Header.Get("User-Agent"); ua != "enginebridge-test" {
				http.Error(w, "bad agent "+ua, http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte("payload"))
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "local.bin"), []byte("from disk"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	tests := []struct {
		name       string
		cfg        LoaderConfig
		url        string
		want       string
		wantKind   engine.ErrorKind
		wantStatus int
		wantText   string
	}{
		{name: "http ok", url: srv.URL + "/ok", want: "payload"},
		{name: "http 404", url: srv.URL + "/missing", wantKind: engine.KindFetch, wantStatus: 404, wantText: "HTTP 404: Not Found"},
		{name: "http 418", url: srv.URL + "/teapot", wantKind: engine.KindFetch, wantStatus: 418, wantText: "418"},
		{name: "file url", url: "file://" + filepath.Join(dir, "local.bin"), want: "from disk"},
		{name: "bare relative path", cfg: LoaderConfig{BaseDir: dir}, url: "local.bin", want: "from disk"},
		{name: "missing file", url: filepath.Join(dir, "nope.bin"), wantKind: engine.KindFetch},
		{name: "too large", cfg: LoaderConfig{MaxBytes: 3}, url: srv.URL + "/ok", wantKind: engine.KindFetch, wantText: "exceeds 3 bytes"},
		{name: "base url", cfg: LoaderConfig{BaseURL: srv.URL}, url: "/ok", want: "payload"},
		{name: "unsupported scheme", url: "gopher://example.com/x", wantKind: engine.KindFetch, wantText: "unsupported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.UserAgent = "enginebridge-test"
			l := NewResourceLoader(cfg)

			data, err := l.Fetch(context.Background(), "res", tt.url)
			if tt.wantKind != "" {
				if !engine.IsKind(err, tt.wantKind) {
					t.Fatalf("Fetch error = %v, want kind %s", err, tt.wantKind)
				}
				var e *engine.Error
				_ = errors.As(err, &e)
				if tt.wantStatus != 0 && e.StatusCode != tt.wantStatus {
					t.Errorf("status = %d, want %d", e.StatusCode, tt.wantStatus)
				}
				if tt.wantText != "" && !strings.Contains(err.Error(), tt.wantText) {
					t.Errorf("error %q should contain %q", err.Error(), tt.wantText)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("data = %q, want %q", data, tt.want)
			}
		})
	}
}

func TestResourceLoaderFetchFailureNeverReachesEngine(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	l := NewResourceLoader(LoaderConfig{})
	data, err := l.Fetch(context.Background(), "lexicon.bin", srv.URL+"/data/404")
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if data != nil {
		t.Errorf("failed fetch returned %d bytes", len(data))
	}
}

func TestResourceLoaderInstall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.kwg")
	if err := os.WriteFile(path, []byte("kwg bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	eng := fake.New()
	l := NewResourceLoader(LoaderConfig{})
	data, err := l.Fetch(context.Background(), "lexicon.kwg", path)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if err := l.Install(context.Background(), eng, "lexicon.kwg", data); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if got, ok := eng.Precached("lexicon.kwg"); !ok || string(got) != "kwg bytes" {
		t.Errorf("engine has %q", got)
	}

	eng.PrecacheErr = errors.New("out of guest memory")
	if err := l.Install(context.Background(), eng, "other", data); err == nil || !strings.Contains(err.Error(), "out of guest memory") {
		t.Errorf("Install error = %v", err)
	}
}
