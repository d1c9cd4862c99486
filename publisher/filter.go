package publisher

import (
	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"
)

// GlobFilter filters events by key using glob patterns
type GlobFilter struct {
	keyGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(keyPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		keyGlobs: make([]glob.Glob, 0, len(keyPatterns)),
	}

	for _, pattern := range keyPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid key pattern %q", pattern)
		}
		filter.keyGlobs = append(filter.keyGlobs, g)
	}

	return filter, nil
}

// Match returns true if key matches one of the configured patterns
// If no patterns are configured, all keys match
func (f *GlobFilter) Match(key []byte) bool {
	if len(f.keyGlobs) == 0 {
		return true
	}
	k := string(key)
	for _, g := range f.keyGlobs {
		if g.Match(k) {
			return true
		}
	}
	return false
}
