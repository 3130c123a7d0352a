package nbd

import "testing"

func TestIsTrue(t *testing.T) {
	cases := map[string]bool{"true": true, "false": false, "": false}
	for in, want := range cases {
		got, err := IsTrue(in)
		if err != nil {
			t.Fatalf("IsTrue(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("IsTrue(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := IsTrue("yes"); err == nil {
		t.Fatal("IsTrue(\"yes\") should reject a value that isn't \"true\"/\"false\"/\"\"")
	}
}

func TestDriverConfigFlags(t *testing.T) {
	cfg := DriverConfig{Secondary: true}
	if cfg.Flags()&FlagSecondary == 0 {
		t.Fatal("Flags() should set FlagSecondary when Secondary is true")
	}

	cfg = DriverConfig{}
	if cfg.Flags() != 0 {
		t.Fatalf("Flags() = %#x, want 0 for a default config", cfg.Flags())
	}
}

func TestDriverConfigParametersAsBool(t *testing.T) {
	cfg := DriverConfig{Parameters: map[string]string{"verbose": "true", "quiet": ""}}
	got, err := cfg.ParametersAsBool()
	if err != nil {
		t.Fatalf("ParametersAsBool: %v", err)
	}
	if !got["verbose"] || got["quiet"] {
		t.Fatalf("ParametersAsBool = %v", got)
	}

	cfg = DriverConfig{Parameters: map[string]string{"bad": "maybe"}}
	if _, err := cfg.ParametersAsBool(); err == nil {
		t.Fatal("ParametersAsBool should propagate IsTrue's error on a bad value")
	}
}
