// Package usage reads provider usage summaries.
//
// The summary is produced by whatever tracks the model provider's rate
// windows. overseer only reads it and treats it as a possibly stale
// snapshot.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Window is one provider rate window.
type Window struct {
	Name        string  `json:"name,omitempty"`
	UsedPercent float64 `json:"used_percent"`
}

// Provider groups the windows of one model provider.
type Provider struct {
	Name    string   `json:"name,omitempty"`
	Windows []Window `json:"windows"`
}

// Summary is a snapshot of provider usage.
type Summary struct {
	Providers []Provider `json:"providers"`
}

// MaxUsedPercent returns the highest usage across every window, and false
// when the summary holds no windows.
func (s *Summary) MaxUsedPercent() (float64, bool) {
	if s == nil {
		return 0, false
	}
	highest, found := 0.0, false
	for _, p := range s.Providers {
		for _, w := range p.Windows {
			if !found || w.UsedPercent > highest {
				highest, found = w.UsedPercent, true
			}
		}
	}
	return highest, found
}

// Source loads the current usage summary.
type Source interface {
	LoadUsageSummary(ctx context.Context) (*Summary, error)
}

// FileSource reads a JSON summary from disk on every call.
type FileSource struct {
	Path string
}

// NewFileSource returns a Source backed by path. An empty path yields a
// source that always reports no data.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// LoadUsageSummary implements Source.
func (f *FileSource) LoadUsageSummary(ctx context.Context) (*Summary, error) {
	if f.Path == "" {
		return &Summary{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading usage summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding usage summary: %w", err)
	}
	return &s, nil
}

// Static is a fixed Source, handy for tests and for disabling provider checks.
type Static struct {
	Summary *Summary
	Err     error
}

// LoadUsageSummary implements Source.
func (s Static) LoadUsageSummary(context.Context) (*Summary, error) {
	return s.Summary, s.Err
}
