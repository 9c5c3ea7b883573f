package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("FRIENDMAP_TEST_STR", "  value  ")
	if got := EnvString("FRIENDMAP_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString trimmed=%q want=%q", got, "value")
	}
	if got := EnvString("FRIENDMAP_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString default=%q want=%q", got, "def")
	}
}

func TestEnvBool(t *testing.T) {
	cases := []struct {
		in   string
		def  bool
		want bool
	}{
		{in: "true", def: false, want: true},
		{in: "1", def: false, want: true},
		{in: "false", def: true, want: false},
		{in: "nope", def: true, want: true},
		{in: "", def: true, want: true},
	}
	for _, tc := range cases {
		t.Setenv("FRIENDMAP_TEST_BOOL", tc.in)
		if got := EnvBool("FRIENDMAP_TEST_BOOL", tc.def); got != tc.want {
			t.Fatalf("EnvBool(%q, %v)=%v want=%v", tc.in, tc.def, got, tc.want)
		}
	}
}

func TestEnvInt(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{in: "42", want: 42},
		{in: "0", want: 7},
		{in: "-3", want: 7},
		{in: "junk", want: 7},
		{in: "", want: 7},
	}
	for _, tc := range cases {
		t.Setenv("FRIENDMAP_TEST_INT", tc.in)
		if got := EnvInt("FRIENDMAP_TEST_INT", 7); got != tc.want {
			t.Fatalf("EnvInt(%q)=%d want=%d", tc.in, got, tc.want)
		}
	}
}

func TestEnvInt32(t *testing.T) {
	t.Setenv("FRIENDMAP_TEST_INT32", "16")
	if got := EnvInt32("FRIENDMAP_TEST_INT32", 4); got != 16 {
		t.Fatalf("EnvInt32=%d want=16", got)
	}
	t.Setenv("FRIENDMAP_TEST_INT32", "-1")
	if got := EnvInt32("FRIENDMAP_TEST_INT32", 4); got != 4 {
		t.Fatalf("EnvInt32 negative=%d want default 4", got)
	}
}

func TestEnvDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{in: "1500ms", want: 1500 * time.Millisecond},
		{in: "2m", want: 2 * time.Minute},
		{in: "junk", want: 5 * time.Second},
		{in: "", want: 5 * time.Second},
	}
	for _, tc := range cases {
		t.Setenv("FRIENDMAP_TEST_DUR", tc.in)
		if got := EnvDuration("FRIENDMAP_TEST_DUR", 5*time.Second); got != tc.want {
			t.Fatalf("EnvDuration(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}
