package configschema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nimburion/leasecoord/pkg/config"
)

func property(t *testing.T, schema *jsonschema.Schema, path ...string) *jsonschema.Schema {
	t.Helper()
	current := schema
	for _, key := range path {
		next, ok := current.Properties[key]
		if !ok {
			t.Fatalf("missing property %q in %v", key, path)
		}
		current = next
	}
	return current
}

func TestBuild_UsesConfigKeys(t *testing.T) {
	schema, err := Build(nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, key := range []string{"service", "instance", "store", "scheduler", "management", "events", "observability"} {
		if _, ok := schema.Properties[key]; !ok {
			t.Fatalf("expected root key %q", key)
		}
	}
	if _, ok := schema.Properties["Store"]; ok {
		t.Fatal("Go field names must be replaced by config keys")
	}
	property(t, schema, "store", "circuit_breaker", "max_failures")
	property(t, schema, "scheduler", "defaults", "health_check_time_sec")
	if schema.Schema != draft {
		t.Fatalf("unexpected $schema %q", schema.Schema)
	}
}

func TestBuild_InjectsDefaults(t *testing.T) {
	schema, err := Build(nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	tests := []struct {
		path []string
		want any
	}{
		{path: []string{"store", "type"}, want: "memory"},
		{path: []string{"store", "operation_timeout"}, want: "3s"},
		{path: []string{"management", "port"}, want: float64(9090)},
		{path: []string{"events", "topic"}, want: "leasecoord.lease-events"},
	}
	for _, tt := range tests {
		prop := property(t, schema, tt.path...)
		var got any
		if err := json.Unmarshal(prop.Default, &got); err != nil {
			t.Fatalf("%v: decode default %s: %v", tt.path, prop.Default, err)
		}
		if got != tt.want {
			t.Fatalf("%v default = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestBuild_CustomDefaultsAndEnums(t *testing.T) {
	defaults := config.DefaultConfig()
	defaults.Store.OperationTimeout = 750 * time.Millisecond
	schema, err := Build(defaults)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := string(property(t, schema, "store", "operation_timeout").Default); got != `"750ms"` {
		t.Fatalf("unexpected operation_timeout default %s", got)
	}
	enum := property(t, schema, "store", "type").Enum
	if len(enum) != 6 || enum[0] != config.StoreTypeMemory {
		t.Fatalf("unexpected store.type enum %v", enum)
	}
	if len(property(t, schema, "events", "type").Enum) != 3 {
		t.Fatal("expected events.type enum")
	}
}
