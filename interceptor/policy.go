package interceptor

import (
	"path"
	"strings"

	"github.com/ruteri/tee-confidential-io/interfaces"
)

// Policy is the compiled form of a PolicyConfig whitelist: an ordered set of
// protected path patterns plus the default mode for everything else.
type Policy struct {
	entries     []string
	defaultMode interfaces.ProtectionMode
}

// NewPolicy compiles a validated config into a matcher.
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{
		entries:     append([]string(nil), cfg.WhitelistPaths...),
		defaultMode: cfg.DefaultMode(),
	}
}

// Decision is the outcome of a policy lookup.
type Decision struct {
	Mode interfaces.ProtectionMode

	// Purpose is the subkey purpose label for protected paths: the
	// whitelist entry that matched. Objects under one protected prefix
	// share a key; distinct prefixes never do.
	Purpose interfaces.PurposeLabel
}

// Decide matches a path against the whitelist. The longest matching entry
// wins; among equally long matches the earlier entry wins. Matched paths are
// protected (ENCRYPT); unmatched paths fall to the default mode.
func (p *Policy) Decide(objPath string) Decision {
	bestLen := -1
	best := ""

	for _, entry := range p.entries {
		if !matchEntry(entry, objPath) {
			continue
		}
		if len(entry) > bestLen {
			bestLen = len(entry)
			best = entry
		}
	}

	if bestLen < 0 {
		return Decision{Mode: p.defaultMode}
	}
	return Decision{
		Mode:    interfaces.ModeEncrypt,
		Purpose: interfaces.PurposeLabel(best),
	}
}

// matchEntry reports whether a whitelist entry covers a path. Plain entries
// match as directory-boundary prefixes; entries with glob metacharacters
// match per path segment.
func matchEntry(entry, objPath string) bool {
	if !strings.ContainsAny(entry, "*?[") {
		if objPath == entry {
			return true
		}
		return strings.HasPrefix(objPath, strings.TrimSuffix(entry, "/")+"/")
	}

	// Glob entries match the whole path or a leading run of segments.
	if ok, _ := path.Match(entry, objPath); ok {
		return true
	}
	prefix := objPath
	for {
		i := strings.LastIndexByte(prefix, '/')
		if i <= 0 {
			return false
		}
		prefix = prefix[:i]
		if ok, _ := path.Match(entry, prefix); ok {
			return true
		}
	}
}
