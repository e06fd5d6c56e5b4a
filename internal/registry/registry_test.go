package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/leifmarkthaler/gleitzeit/internal/errkind"
	"github.com/leifmarkthaler/gleitzeit/internal/policy"
)

func testMeter() noopmetric.MeterProvider { return noopmetric.MeterProvider{} }

func echoHandle() Handle {
	return NewLocalHandle(func(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
		return params, nil
	})
}

func TestRegisterProviderRejectsUnknownProtocol(t *testing.T) {
	r := New(testMeter().Meter("test"))
	err := r.RegisterProvider("p1", "missing", echoHandle(), []string{"echo"}, 1, nil)
	var ke *errkind.Error
	if !errors.As(err, &ke) || ke.Kind != errkind.KindProtocolNotFound {
		t.Fatalf("expected KindProtocolNotFound, got %v", err)
	}
}

func TestRegisterProviderRejectsUnsupportedMethod(t *testing.T) {
	r := New(testMeter().Meter("test"))
	r.RegisterProtocol(ProtocolSpec{ID: "echo", Methods: map[string]MethodSpec{"echo": {}}})

	err := r.RegisterProvider("p1", "echo", echoHandle(), []string{"nonexistent"}, 1, nil)
	var ke *errkind.Error
	if !errors.As(err, &ke) || ke.Kind != errkind.KindMethodNotSupported {
		t.Fatalf("expected KindMethodNotSupported, got %v", err)
	}
}

func TestSelectProviderRequiresTags(t *testing.T) {
	r := New(testMeter().Meter("test"))
	r.RegisterProtocol(ProtocolSpec{ID: "echo", Methods: map[string]MethodSpec{"echo": {}}})
	r.RegisterProvider("p1", "echo", echoHandle(), []string{"echo"}, 1, []string{"region:us"})

	_, _, err := r.SelectProvider(context.Background(), "echo", "echo", Requirements{Tags: []string{"region:eu"}})
	if err == nil {
		t.Fatalf("expected no provider matching region:eu")
	}

	id, _, err := r.SelectProvider(context.Background(), "echo", "echo", Requirements{Tags: []string{"region:us"}})
	if err != nil || id != "p1" {
		t.Fatalf("expected p1 to match region:us, got %q, %v", id, err)
	}
}

func TestSelectProviderPrefersLowerLoad(t *testing.T) {
	r := New(testMeter().Meter("test"))
	r.RegisterProtocol(ProtocolSpec{ID: "echo", Methods: map[string]MethodSpec{"echo": {}}})
	r.RegisterProvider("p1", "echo", echoHandle(), []string{"echo"}, 1, nil)
	r.RegisterProvider("p2", "echo", echoHandle(), []string{"echo"}, 1, nil)

	first, _, err := r.SelectProvider(context.Background(), "echo", "echo", Requirements{})
	if err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}
	// first is now at load 1/1; the second pick, with both candidates equally
	// healthy, should favor whichever still has headroom.
	second, _, err := r.SelectProvider(context.Background(), "echo", "echo", Requirements{})
	if err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}
	if second == first {
		t.Fatalf("expected the second selection to favor the less-loaded provider, got %q twice", first)
	}
}

func TestRecordFailureDegradesHealth(t *testing.T) {
	r := New(testMeter().Meter("test"))
	r.RegisterProtocol(ProtocolSpec{ID: "echo", Methods: map[string]MethodSpec{"echo": {}}})
	r.RegisterProvider("p1", "echo", echoHandle(), []string{"echo"}, 1, nil)

	for i := 0; i < 10; i++ {
		r.RecordFailure("p1", errors.New("boom"))
	}

	records := r.ListProviders()
	if len(records) != 1 {
		t.Fatalf("expected 1 provider record, got %d", len(records))
	}
	if records[0].Health == HealthHealthy {
		t.Fatalf("expected provider health to degrade after repeated failures, got %v", records[0].Health)
	}
}

func TestSelectProviderEnforcesAttachedPolicy(t *testing.T) {
	dir := t.TempDir()
	rego := `package gleitzeit.providers

allow {
	input.provider_id == "p-allowed"
}
`
	if err := os.WriteFile(filepath.Join(dir, "providers.rego"), []byte(rego), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	pol := policy.NewEngine(dir, testMeter().Meter("test"))
	if err := pol.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	r := New(testMeter().Meter("test"))
	r.SetPolicy(pol)
	r.RegisterProtocol(ProtocolSpec{ID: "echo", Methods: map[string]MethodSpec{"echo": {}}})
	r.RegisterProvider("p-denied", "echo", echoHandle(), []string{"echo"}, 1, nil)

	if _, _, err := r.SelectProvider(context.Background(), "echo", "echo", Requirements{}); err == nil {
		t.Fatalf("expected policy to deny the only registered provider")
	}

	r.RegisterProvider("p-allowed", "echo", echoHandle(), []string{"echo"}, 1, nil)
	id, _, err := r.SelectProvider(context.Background(), "echo", "echo", Requirements{})
	if err != nil || id != "p-allowed" {
		t.Fatalf("SelectProvider with policy attached = %q, %v, want p-allowed, nil", id, err)
	}
}

func TestUnregisterProviderRemovesFromSelection(t *testing.T) {
	r := New(testMeter().Meter("test"))
	r.RegisterProtocol(ProtocolSpec{ID: "echo", Methods: map[string]MethodSpec{"echo": {}}})
	r.RegisterProvider("p1", "echo", echoHandle(), []string{"echo"}, 1, nil)
	r.UnregisterProvider("p1")

	_, _, err := r.SelectProvider(context.Background(), "echo", "echo", Requirements{})
	if err == nil {
		t.Fatalf("expected no provider available after unregister")
	}
}
