package codeguard

import (
	"errors"
	"testing"
)

func TestScanRejectsForbiddenPatterns(t *testing.T) {
	s := NewScanner()

	cases := []struct {
		name   string
		source string
		class  string
	}{
		{"eval call", `const out = eval("1+1")`, ClassDynamicEval},
		{"function constructor", `const f = new Function("return 1")`, ClassDynamicEval},
		{"process exit", `process.exit(1)`, ClassProcessExit},
		{"go exit", `os.Exit(2)`, ClassProcessExit},
		{"ambient env", `const key = process.env.SECRET`, ClassAmbientEnv},
		{"fs require", `const fs = require("fs")`, ClassFilesystem},
		{"path traversal", `open("../../etc/passwd")`, ClassFilesystem},
		{"net import", `import net from "net"`, ClassNetwork},
		{"child process", `const cp = require("child_process")`, ClassNetwork},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Scan(tc.source)
			if err == nil {
				t.Fatalf("expected violation for %q", tc.source)
			}
			var violation *Violation
			if !errors.As(err, &violation) {
				t.Fatalf("expected *Violation, got %T", err)
			}
			if violation.Class != tc.class {
				t.Fatalf("expected class %s, got %s", tc.class, violation.Class)
			}
		})
	}
}

func TestScanAcceptsCleanSource(t *testing.T) {
	s := NewScanner()
	source := `
function handle(task) {
  return { doubled: task.value * 2 };
}
`
	if err := s.Scan(source); err != nil {
		t.Fatalf("expected clean source to pass, got %v", err)
	}
}

func TestRestrictedCapabilityNames(t *testing.T) {
	s := NewScanner(WithRestrictedCapabilities("payments", "secrets"))

	if err := s.Scan(`callService("secrets", input)`); err == nil {
		t.Fatalf("expected restricted capability to be rejected")
	}

	var violation *Violation
	err := s.Scan(`usePayments := payments`)
	if !errors.As(err, &violation) {
		t.Fatalf("expected *Violation, got %v", err)
	}
	if violation.Class != ClassRestrictedWords {
		t.Fatalf("expected class %s, got %s", ClassRestrictedWords, violation.Class)
	}

	if err := s.Scan(`return sum(values)`); err != nil {
		t.Fatalf("expected clean source to pass, got %v", err)
	}
}
