package cellbalance

import (
	"testing"
	"time"
)

func TestSetCfgDefaults(t *testing.T) {
	t.Parallel()
	cfg := Cfg{}

	if cfg.Timeout != 0 {
		t.Fatalf("initial Timeout should be zero value")
	}

	setCfgDefaults(&cfg)

	if cfg.Timeout != 30*time.Second {
		t.Fatalf("default Timeout should be 30s")
	}
	if cfg.ZeroSum != ZeroSumReject {
		t.Fatalf("default ZeroSum should be reject")
	}
}

func TestSetCfgDefaultsKeepsNegativeTimeout(t *testing.T) {
	t.Parallel()
	cfg := Cfg{Timeout: -1}
	setCfgDefaults(&cfg)
	if cfg.Timeout != -1 {
		t.Fatalf("negative Timeout should be kept, got: %v", cfg.Timeout)
	}
}

func TestParseZeroSumPolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]ZeroSumPolicy{
		"":        ZeroSumReject,
		"reject":  ZeroSumReject,
		"Uniform": ZeroSumUniform,
	} {
		got, err := ParseZeroSumPolicy(in)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
	if _, err := ParseZeroSumPolicy("keep"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
