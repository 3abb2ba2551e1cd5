package config

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestSchemaCheckDocument(t *testing.T) {
	schema, err := NewSchema()
	if err != nil {
		t.Fatalf("NewSchema failed: %v", err)
	}

	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "full document",
			doc: `
engine:
  kind: wasm
  module: engines/magpie.wasm
  exports: magpie
  export_overrides:
    run_async: magpie_run
  memory_limit_pages: 512
  call_timeout: 2s
  data_path: /data
poll:
  grace: 5ms
  retry_interval: 5ms
  interval: 1m30s
fetch:
  timeout: 10s
  max_bytes: 1048576
  base_url: https://cdn.example.com/lexica/
journal:
  enabled: true
  path: journal.db
  max_open_conns: 1
telemetry:
  service_name: enginebridge
  logging:
    level: debug
    enable_caller: true
  tracing:
    enabled: true
    sampling_rate: 0.5
    headers:
      authorization: token
  metrics:
    histogram_buckets: [0.01, 0.1, 1]
  events:
    buffer_size: 64
`,
		},
		{
			name: "empty document",
			doc:  "",
		},
		{
			name: "integer duration",
			doc:  "poll:\n  interval: 100000000\n",
		},
		{
			name:    "unknown top-level key",
			doc:     "engines:\n  kind: sim\n",
			wantErr: "engines",
		},
		{
			name:    "unknown nested key",
			doc:     "poll:\n  intervall: 20ms\n",
			wantErr: "intervall",
		},
		{
			name:    "unknown export override",
			doc:     "engine:\n  export_overrides:\n    runasync: go\n",
			wantErr: "runasync",
		},
		{
			name:    "wrong type",
			doc:     "journal:\n  enabled: \"yes\"\n",
			wantErr: "enabled",
		},
		{
			name:    "malformed duration",
			doc:     "poll:\n  interval: fast\n",
			wantErr: "interval",
		},
		{
			name:    "negative memory limit",
			doc:     "engine:\n  memory_limit_pages: -1\n",
			wantErr: "memory_limit_pages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.CheckDocument([]byte(tt.doc))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckDocument failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("CheckDocument error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaConcurrentChecks(t *testing.T) {
	schema, err := defaultSchema()
	if err != nil {
		t.Fatalf("defaultSchema failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- schema.CheckDocument([]byte("engine:\n  kind: sim\n"))
		}()
		go func() {
			defer wg.Done()
			if schema.CheckDocument([]byte("engine:\n  knd: sim\n")) == nil {
				errs <- errUnexpectedPass
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent check: %v", err)
		}
	}
}

var errUnexpectedPass = errors.New("misspelled key passed the schema")
