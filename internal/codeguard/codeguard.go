// Package codeguard rejects agent source code that matches a denylist of
// dangerous syntactic patterns before it ever reaches an execution unit.
//
// This is defense in depth only, not a security boundary: a determined
// payload can evade textual scanning. Real isolation comes from the
// execution facility (separate process or worker with no ambient
// authority); the scanner exists to fail obviously hostile code fast.
package codeguard

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern classes reported in violations.
const (
	ClassDynamicEval     = "dynamic-eval"
	ClassProcessExit     = "process-exit"
	ClassAmbientEnv      = "ambient-env"
	ClassFilesystem      = "filesystem-escape"
	ClassNetwork         = "network-escape"
	ClassRestrictedWords = "restricted-capability"
)

// Violation is the error returned for the first matching denylist rule.
type Violation struct {
	Class   string
	Pattern string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("security violation (%s): source matches forbidden pattern %q", v.Class, v.Pattern)
}

type rule struct {
	class string
	re    *regexp.Regexp
}

// Scanner checks source text against an ordered denylist. The rule list is
// static per scanner; build a new scanner to change policy.
type Scanner struct {
	rules      []rule
	restricted []string
}

type Option func(*Scanner)

// WithRestrictedCapabilities adds capability names whose literal appearance
// in source is forbidden.
func WithRestrictedCapabilities(names ...string) Option {
	return func(s *Scanner) {
		s.restricted = append(s.restricted, names...)
	}
}

func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{rules: defaultRules()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	for _, name := range s.restricted {
		s.rules = append(s.rules, rule{
			class: ClassRestrictedWords,
			re:    regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`),
		})
	}
	return s
}

// Scan returns nil if the source is clean, or a *Violation for the first
// matching rule.
func (s *Scanner) Scan(source string) error {
	for _, r := range s.rules {
		if loc := r.re.FindString(source); loc != "" {
			return &Violation{Class: r.class, Pattern: strings.TrimSpace(loc)}
		}
	}
	return nil
}

func defaultRules() []rule {
	compile := func(class, expr string) rule {
		return rule{class: class, re: regexp.MustCompile(expr)}
	}
	return []rule{
		compile(ClassDynamicEval, `\beval\s*\(`),
		compile(ClassDynamicEval, `\bnew\s+Function\s*\(`),
		compile(ClassDynamicEval, `\bexec\s*\(`),
		compile(ClassProcessExit, `\bprocess\.(exit|kill|abort)\b`),
		compile(ClassProcessExit, `\bos\.Exit\b`),
		compile(ClassAmbientEnv, `\bprocess\.env\b`),
		compile(ClassAmbientEnv, `\bos\.Environ\b`),
		compile(ClassFilesystem, `\brequire\s*\(\s*['"]fs['"]`),
		compile(ClassFilesystem, `\bfrom\s+['"]fs['"]`),
		compile(ClassFilesystem, `\.\./\.\./`),
		compile(ClassNetwork, `\brequire\s*\(\s*['"](net|http|https|child_process)['"]`),
		compile(ClassNetwork, `\bfrom\s+['"](net|http|https|child_process)['"]`),
	}
}
