package agent

import "testing"

func TestConfigHelpers(t *testing.T) {
	m := map[string]any{
		"servers":     float64(8),
		"full_tests":  float64(0),
		"streams":     7,
		"saving_mode": true,
		"label":       "x",
	}

	if got := configInt(m, "servers", 5); got != 8 {
		t.Fatalf("servers = %d, want 8", got)
	}
	if got := configInt(m, "full_tests", 1); got != 1 {
		t.Fatalf("zero value should fall back to default, got %d", got)
	}
	if got := configInt(m, "missing", 3); got != 3 {
		t.Fatalf("missing key = %d, want default 3", got)
	}
	if got := configInt(m, "streams", 1); got != 7 {
		t.Fatalf("int value = %d, want 7", got)
	}
	if !configBool(m, "saving_mode") {
		t.Fatal("saving_mode should be true")
	}
	if configBool(m, "label") {
		t.Fatal("non-bool value should read as false")
	}
}
