package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/pario-ai/llmbatch/pkg/batch"
	"github.com/pario-ai/llmbatch/pkg/rowio"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llmbatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMockRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
model: mock-1
provider:
  type: mock
prompt:
  user: "Echo {word}"
cache:
  enabled: true
  backend: sqlite
  path: `+filepath.Join(dir, "cache.db")+`
tracker:
  enabled: true
  db_path: `+filepath.Join(dir, "ledger.db")+`
breaker:
  enabled: false
`)
	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	in := rowio.NewReader(strings.NewReader("{\"word\":\"a\"}\n{\"word\":\"b\"}\n{\"word\":\"a\"}\n"), rowio.FormatJSONL)
	out, summary, err := batch.Collect(ctx, rt.engine, in.Records())
	if err != nil {
		t.Fatal(err)
	}
	texts := make([]string, 0, len(out))
	for _, o := range out {
		texts = append(texts, o.Text)
	}
	if !slices.Equal(texts, []string{"MOCK: Echo a", "MOCK: Echo b", "MOCK: Echo a"}) {
		t.Errorf("unexpected outputs %v", texts)
	}
	if summary.CacheHits != 1 {
		t.Errorf("expected 1 cache hit, got %d", summary.CacheHits)
	}

	var buf bytes.Buffer
	printSummary(&buf, summary)
	if !strings.Contains(buf.String(), "Cache hits:") {
		t.Errorf("unexpected summary output %q", buf.String())
	}
}

func TestLoadConfigValidates(t *testing.T) {
	path := writeConfig(t, "model: m\nprovider:\n  type: mock\n")
	if _, err := loadConfig(path, true); err == nil {
		t.Error("expected validation error for a missing prompt")
	}
	if _, err := loadConfig(path, false); err != nil {
		t.Errorf("reporting commands should not validate prompts: %v", err)
	}
}

func TestStreamOnce(t *testing.T) {
	path := writeConfig(t, `
model: mock-1
provider:
  type: mock
prompt:
  user: "Say {what}"
cache:
  enabled: false
`)
	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatal(err)
	}
	rt, err := buildRuntime(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	var buf bytes.Buffer
	if err := streamOnce(context.Background(), rt, map[string]string{"what": "hi there"}, &buf); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "MOCK: Say hi there" {
		t.Errorf("unexpected stream output %q", buf.String())
	}

	if err := streamOnce(context.Background(), rt, nil, &buf); err == nil {
		t.Error("expected a template error without fields")
	}
}
