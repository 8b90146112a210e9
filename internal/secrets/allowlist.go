package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// ErrInvalidAllowlist is returned for unparsable allowlist files or
// patterns.
var ErrInvalidAllowlist = errors.New("invalid allowlist")

// Allowlist exempts matches from redaction.
type Allowlist struct {
	// Regexes are matched against the detected secret.
	Regexes []string `toml:"regexes"`
	// StopWords exempt any secret containing one of them.
	StopWords []string `toml:"stopwords"`
}

// LoadAllowlist reads a gitleaks-format allowlist. An empty path or a
// missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var file struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	for _, p := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: pattern %q in %s: %v", ErrInvalidAllowlist, p, path, err)
		}
	}
	return &file.Allowlist, nil
}

// Merge returns the union of a and other.
func (a *Allowlist) Merge(other *Allowlist) *Allowlist {
	out := &Allowlist{}
	for _, src := range []*Allowlist{a, other} {
		if src == nil {
			continue
		}
		out.Regexes = append(out.Regexes, src.Regexes...)
		out.StopWords = append(out.StopWords, src.StopWords...)
	}
	return out
}

func (a *Allowlist) empty() bool {
	return a == nil || (len(a.Regexes) == 0 && len(a.StopWords) == 0)
}

// apply adds the allowlist to a gitleaks configuration as a global entry.
func (a *Allowlist) apply(cfg *gitleaksconfig.Config) error {
	if a.empty() {
		return nil
	}
	entry := &gitleaksconfig.Allowlist{
		Description: "overseer allowlist",
		StopWords:   a.StopWords,
	}
	for _, p := range a.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		entry.Regexes = append(entry.Regexes, (*gitleaksregexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, entry)
	return nil
}
