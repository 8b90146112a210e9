// Package secrets redacts credentials from agent turn output before it is
// written to execution logs or carried into later prompts.
//
// Detection uses the gitleaks default rule set. Known false positives can be
// exempted with a TOML allowlist in the gitleaks format:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_[A-Z0-9]+''']
//	stopwords = ["dummy"]
//
// Findings never carry the secret itself, only the rule that matched and
// where.
package secrets

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) *Result
}

// Finding is one detected secret, without its value.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// Result is the outcome of one Scrub call.
type Result struct {
	Scrubbed string    `json:"scrubbed"`
	Findings []Finding `json:"findings,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rules that matched, sorted.
func (r *Result) RuleIDs() []string {
	var ids []string
	for _, f := range r.Findings {
		if !slices.Contains(ids, f.RuleID) {
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Config configures a Scrubber.
type Config struct {
	// Disabled turns redaction off entirely.
	Disabled bool
	// AllowlistPath points at an optional gitleaks-format TOML allowlist.
	// A missing file is ignored.
	AllowlistPath string
	// Allowlist is merged with the file's entries.
	Allowlist *Allowlist
}

// Detector is the gitleaks-backed Scrubber.
type Detector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a Scrubber. A nil cfg uses the gitleaks defaults with no
// allowlist.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Disabled {
		return Nop{}, nil
	}

	allow, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, err
	}
	allow = allow.Merge(cfg.Allowlist)

	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if err := allow.apply(&d.Config); err != nil {
		return nil, err
	}
	return &Detector{detector: d}, nil
}

// MustNew is New for static configurations; it panics on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub replaces every detected secret with [REDACTED:<rule>].
func (d *Detector) Scrub(content string) *Result {
	res := &Result{Scrubbed: content}
	if content == "" {
		return res
	}

	// The gitleaks detector keeps per-scan state.
	d.mu.Lock()
	found := d.detector.DetectString(content)
	d.mu.Unlock()

	type hit struct {
		value  string
		ruleID string
	}
	hits := make([]hit, 0, len(found))
	for _, f := range found {
		value := f.Secret
		if value == "" {
			value = f.Match
		}
		if value == "" {
			continue
		}
		res.Findings = append(res.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		hits = append(hits, hit{value: value, ruleID: f.RuleID})
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(hits, func(i, j int) bool { return len(hits[i].value) > len(hits[j].value) })
	scrubbed := content
	for _, h := range hits {
		scrubbed = strings.ReplaceAll(scrubbed, h.value, "[REDACTED:"+h.ruleID+"]")
	}
	res.Scrubbed = scrubbed
	return res
}

// Nop returns content unchanged.
type Nop struct{}

// Scrub implements Scrubber.
func (Nop) Scrub(content string) *Result {
	return &Result{Scrubbed: content}
}

var (
	_ Scrubber = (*Detector)(nil)
	_ Scrubber = Nop{}
)
