package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func testMeter() noopmetric.MeterProvider { return noopmetric.MeterProvider{} }

func TestAllowFailsOpenWithoutAnyPolicyLoaded(t *testing.T) {
	e := NewEngine(t.TempDir(), testMeter().Meter("test"))
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	allowed, err := e.Allow(context.Background(), map[string]interface{}{"tags": []interface{}{"gpu"}})
	if err != nil || !allowed {
		t.Fatalf("Allow with no policy loaded = %v, %v, want true, nil", allowed, err)
	}
}

func TestAllowEvaluatesLoadedPolicy(t *testing.T) {
	dir := t.TempDir()
	rego := `package gleitzeit.providers

allow {
	input.tags[_] == "gpu"
}
`
	if err := os.WriteFile(filepath.Join(dir, "providers.rego"), []byte(rego), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	e := NewEngine(dir, testMeter().Meter("test"))
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	allowed, err := e.Allow(context.Background(), map[string]interface{}{"tags": []interface{}{"gpu"}})
	if err != nil || !allowed {
		t.Fatalf("Allow(tags=[gpu]) = %v, %v, want true, nil", allowed, err)
	}

	allowed, err = e.Allow(context.Background(), map[string]interface{}{"tags": []interface{}{"cpu"}})
	if err != nil || allowed {
		t.Fatalf("Allow(tags=[cpu]) = %v, %v, want false, nil", allowed, err)
	}
}

func TestLoadToleratesMissingDirectory(t *testing.T) {
	e := NewEngine(filepath.Join(t.TempDir(), "does-not-exist"), testMeter().Meter("test"))
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load with a missing policy directory should not error, got %v", err)
	}
}

func TestLoadRejectsMalformedPolicy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.rego"), []byte("not a valid rego module {{{"), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	e := NewEngine(dir, testMeter().Meter("test"))
	if err := e.Load(context.Background()); err == nil {
		t.Fatalf("expected Load to reject a malformed policy file")
	}
}
