package locks

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

// Имена типов и их TTL разделяются с операторскими скриптами, поэтому
// зафиксированы тестом.
func TestLockTypeNames(t *testing.T) {
	t.Parallel()

	want := map[string]struct {
		name string
		ttl  time.Duration
	}{
		TypeListener: {name: "listener", ttl: 30 * time.Minute},
		TypeGlobal:   {name: "global", ttl: 5 * time.Minute},
		TypeSingle:   {name: "single", ttl: 2 * time.Minute},
	}

	for typ, w := range want {
		if typ != w.name {
			t.Errorf("lock type = %q, want %q", typ, w.name)
		}
		if got := durations[typ]; got != w.ttl {
			t.Errorf("duration[%s] = %s, want %s", typ, got, w.ttl)
		}
	}
	if len(durations) != len(want) {
		t.Errorf("durations has %d entries, want %d", len(durations), len(want))
	}
}

func TestEncodeMetadata(t *testing.T) {
	t.Parallel()

	if v, err := encodeMetadata(nil); err != nil || v != nil {
		t.Fatalf("encodeMetadata(nil) = %v, %v; want nil, nil", v, err)
	}
	if v, err := encodeMetadata(map[string]any{}); err != nil || v != nil {
		t.Fatalf("encodeMetadata(empty) = %v, %v; want nil, nil", v, err)
	}

	v, err := encodeMetadata(map[string]any{"type": "realtime_listener"})
	if err != nil {
		t.Fatal(err)
	}
	raw, ok := v.([]byte)
	if !ok {
		t.Fatalf("encoded metadata is %T, want []byte", v)
	}
	var decoded map[string]string
	if err = json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	if decoded["type"] != "realtime_listener" {
		t.Fatalf("decoded metadata = %v", decoded)
	}
}

func TestProcessAlive(t *testing.T) {
	t.Parallel()

	if !processAlive(os.Getpid()) {
		t.Error("current process reported dead")
	}
	if processAlive(0) {
		t.Error("pid 0 reported alive")
	}
	if processAlive(-1) {
		t.Error("negative pid reported alive")
	}
	// PID за пределами pid_max заведомо не существует.
	if processAlive(1 << 30) {
		t.Error("out-of-range pid reported alive")
	}
}
