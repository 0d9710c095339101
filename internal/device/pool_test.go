package device

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func mustAlloc(t *testing.T, p *Pool, kind AllocType, size int) *Buffer {
	t.Helper()
	b, err := p.Alloc(kind, size)
	if err != nil {
		t.Fatalf("Alloc(%v, %d) failed: %v", kind, size, err)
	}
	return b
}

func TestPoolReuse(t *testing.T) {
	p := NewPool(0)

	startHits := getMetricValue(poolHits)
	startMisses := getMetricValue(poolMisses)

	b1 := mustAlloc(t, p, Host, 1000)
	if miss := getMetricValue(poolMisses); miss-startMisses != 1 {
		t.Errorf("expected 1 miss, got %v", miss-startMisses)
	}

	p.Free(b1)
	b2 := mustAlloc(t, p, Host, 900) // same bucket (1024)
	if hit := getMetricValue(poolHits); hit-startHits != 1 {
		t.Errorf("expected 1 hit, got %v", hit-startHits)
	}
	if b2.Size() != 900 {
		t.Errorf("reused buffer size = %d, want 900", b2.Size())
	}
	for _, c := range b2.Bytes() {
		if c != 0 {
			t.Fatal("reused buffer must be zeroed")
		}
	}
}

func TestPoolClassSeparation(t *testing.T) {
	p := NewPool(0)

	h := mustAlloc(t, p, Host, 64)
	p.Free(h)
	d := mustAlloc(t, p, DeviceMem, 64)
	if d == h {
		t.Error("buffers must not cross allocation classes")
	}
	if d.Kind() != DeviceMem {
		t.Errorf("Kind = %v, want device", d.Kind())
	}
}

func TestPoolTrimRetry(t *testing.T) {
	// A cached 1KiB buffer blocks the capacity needed for a 2KiB request;
	// the pool must trim and retry.
	p := NewPool(2048)

	b := mustAlloc(t, p, Host, 1024)
	p.Free(b)

	if _, err := p.Alloc(Host, 2048); err != nil {
		t.Fatalf("allocation after trim must succeed, got %v", err)
	}
}

func TestPoolExhausted(t *testing.T) {
	p := NewPool(512)
	_, err := p.Alloc(Host, 4096)
	if err == nil {
		t.Fatal("expected an error when the pool stays exhausted")
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error = %v, want ErrExhausted", err)
	}
}

func TestMigrateSameKindIsNoop(t *testing.T) {
	p := NewPool(0)
	b := mustAlloc(t, p, Host, 128)
	got, err := p.Migrate(b, Host, nil)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if got != b {
		t.Error("same-class migrate must return the original buffer")
	}
}

func TestMigrateCopiesContents(t *testing.T) {
	p := NewPool(0)
	b := mustAlloc(t, p, Host, 8)
	copy(b.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8})

	m, err := p.Migrate(b, DeviceMem, nil)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if m == b {
		t.Fatal("cross-class migrate must move")
	}
	for i, c := range m.Bytes() {
		if c != byte(i+1) {
			t.Errorf("migrated[%d] = %d", i, c)
		}
	}
}
