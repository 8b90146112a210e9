package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Built at runtime so the literal never trips repository scanners.
var githubToken = "ghp_" + "R8kPz2VqXw4nT7mYc1LbJ5sHd9FgQe3UaZo6"

func TestScrub_RedactsDetectedSecrets(t *testing.T) {
	s := MustNew(nil)

	res := s.Scrub("pushed with token " + githubToken + "\nall done")

	require.True(t, res.HasFindings())
	assert.NotContains(t, res.Scrubbed, githubToken)
	assert.Contains(t, res.Scrubbed, "[REDACTED:")
	assert.Contains(t, res.Scrubbed, "all done")
	for _, f := range res.Findings {
		assert.NotEmpty(t, f.RuleID)
	}
	assert.NotEmpty(t, res.RuleIDs())
}

func TestScrub_CleanTextUnchanged(t *testing.T) {
	s := MustNew(nil)
	text := "Refactored the store package and added table tests for Update."

	res := s.Scrub(text)

	assert.False(t, res.HasFindings())
	assert.Equal(t, text, res.Scrubbed)
	assert.Equal(t, "", s.Scrub("").Scrubbed)
}

func TestScrub_AllowlistStopWord(t *testing.T) {
	s := MustNew(&Config{Allowlist: &Allowlist{StopWords: []string{"r8kpz2vq"}}})

	res := s.Scrub("token " + githubToken)

	assert.Contains(t, res.Scrubbed, githubToken)
}

func TestNew_Disabled(t *testing.T) {
	s, err := New(&Config{Disabled: true})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)
	assert.Contains(t, s.Scrub(githubToken).Scrubbed, githubToken)
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file is empty", func(t *testing.T) {
		a, err := LoadAllowlist(filepath.Join(dir, "absent.toml"))
		require.NoError(t, err)
		assert.True(t, a.empty())
	})

	t.Run("reads gitleaks format", func(t *testing.T) {
		path := filepath.Join(dir, "allow.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''EXAMPLE_[A-Z]+''']\nstopwords = [\"dummy\"]\n"), 0600))

		a, err := LoadAllowlist(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"EXAMPLE_[A-Z]+"}, a.Regexes)
		assert.Equal(t, []string{"dummy"}, a.StopWords)

		merged := a.Merge(&Allowlist{StopWords: []string{"fake"}})
		assert.Equal(t, []string{"dummy", "fake"}, merged.StopWords)
	})

	t.Run("bad pattern", func(t *testing.T) {
		path := filepath.Join(dir, "bad.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''(unclosed''']\n"), 0600))

		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidAllowlist)
	})

	t.Run("bad toml", func(t *testing.T) {
		path := filepath.Join(dir, "broken.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist\n"), 0600))

		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidAllowlist)
	})
}

func TestNop(t *testing.T) {
	assert.Equal(t, "x", Nop{}.Scrub("x").Scrubbed)
}
