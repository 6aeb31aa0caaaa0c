package util

import "testing"

func TestGetEnvString(t *testing.T) {
	t.Setenv("LOOM_TEST_STR", "set")
	t.Setenv("LOOM_TEST_EMPTY", "")

	tests := []struct {
		name string
		key  string
		def  string
		want string
	}{
		{"set value wins", "LOOM_TEST_STR", "fallback", "set"},
		{"unset falls back", "LOOM_TEST_MISSING", "fallback", "fallback"},
		{"explicit empty is kept", "LOOM_TEST_EMPTY", "fallback", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetEnvString(tt.key, tt.def); got != tt.want {
				t.Errorf("GetEnvString(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestGetEnvNumeric(t *testing.T) {
	t.Setenv("LOOM_TEST_INT", "42")
	t.Setenv("LOOM_TEST_FLOAT", "0.5")
	t.Setenv("LOOM_TEST_JUNK", "many")

	tests := []struct {
		name string
		key  string
		def  int
		want float64
	}{
		{"integer", "LOOM_TEST_INT", 1, 42},
		{"float", "LOOM_TEST_FLOAT", 1, 0.5},
		{"malformed falls back", "LOOM_TEST_JUNK", 7, 7},
		{"unset falls back", "LOOM_TEST_MISSING", 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetEnvNumeric(tt.key, tt.def); got != tt.want {
				t.Errorf("GetEnvNumeric(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("LOOM_TEST_TRUE", "true")
	t.Setenv("LOOM_TEST_ONE", "1")
	t.Setenv("LOOM_TEST_FALSE", "false")
	t.Setenv("LOOM_TEST_JUNK", "yes")

	tests := []struct {
		name string
		key  string
		def  bool
		want bool
	}{
		{"true literal", "LOOM_TEST_TRUE", false, true},
		{"numeric true", "LOOM_TEST_ONE", false, true},
		{"false literal", "LOOM_TEST_FALSE", true, false},
		{"unrecognized falls back", "LOOM_TEST_JUNK", false, false},
		{"unset falls back", "LOOM_TEST_MISSING", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetEnvBool(tt.key, tt.def); got != tt.want {
				t.Errorf("GetEnvBool(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}
