package config

import (
	"testing"
	"time"
)

func TestGetEnvDefaults(t *testing.T) {
	if got := GetEnv("LOOKOUT_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv = %q, want fallback", got)
	}
	if got := GetEnvInt("LOOKOUT_TEST_UNSET", 42); got != 42 {
		t.Fatalf("GetEnvInt = %d, want 42", got)
	}
	if got := GetEnvBool("LOOKOUT_TEST_UNSET", true); !got {
		t.Fatal("GetEnvBool = false, want true")
	}
	if got := GetEnvFloat("LOOKOUT_TEST_UNSET", 0.9); got != 0.9 {
		t.Fatalf("GetEnvFloat = %v, want 0.9", got)
	}
	if got := GetEnvDuration("LOOKOUT_TEST_UNSET", 30*time.Second); got != 30*time.Second {
		t.Fatalf("GetEnvDuration = %v, want 30s", got)
	}
}

func TestGetEnvParsing(t *testing.T) {
	t.Setenv("LOOKOUT_TEST_INT", "7")
	t.Setenv("LOOKOUT_TEST_FLOAT", "0.75")
	t.Setenv("LOOKOUT_TEST_BOOL", "false")
	t.Setenv("LOOKOUT_TEST_DUR", "2m")

	if got := GetEnvInt("LOOKOUT_TEST_INT", 0); got != 7 {
		t.Fatalf("GetEnvInt = %d, want 7", got)
	}
	if got := GetEnvFloat("LOOKOUT_TEST_FLOAT", 0); got != 0.75 {
		t.Fatalf("GetEnvFloat = %v, want 0.75", got)
	}
	if got := GetEnvBool("LOOKOUT_TEST_BOOL", true); got {
		t.Fatal("GetEnvBool = true, want false")
	}
	if got := GetEnvDuration("LOOKOUT_TEST_DUR", 0); got != 2*time.Minute {
		t.Fatalf("GetEnvDuration = %v, want 2m", got)
	}
}

func TestGetEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("LOOKOUT_TEST_INT", "not-a-number")
	if got := GetEnvInt("LOOKOUT_TEST_INT", 5); got != 5 {
		t.Fatalf("GetEnvInt = %d, want default 5", got)
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("LOOKOUT_TEST_LIST", "key-a, key-b,,key-c ")
	got := GetEnvList("LOOKOUT_TEST_LIST")
	want := []string{"key-a", "key-b", "key-c"}
	if len(got) != len(want) {
		t.Fatalf("GetEnvList = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetEnvList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := GetEnvList("LOOKOUT_TEST_UNSET"); got != nil {
		t.Fatalf("GetEnvList for unset = %v, want nil", got)
	}
}
