package auth

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Check decides whether claims allow the required permission on docID.
// Any matching exclusion ('!' prefix) denies; otherwise the decision is
// whether some matching inclusion grants the required permission or admin.
func Check(claims *Claims, docID string, required Permission) bool {
	var grant, deny bool

	for _, entry := range claims.DocumentAccess {
		if excluded, ok := strings.CutPrefix(entry.Pattern, "!"); ok {
			if Match(excluded, docID) {
				deny = true
			}
			continue
		}
		if grant || !Match(entry.Pattern, docID) {
			continue
		}
		for _, p := range entry.Permissions {
			if p == required || p == PermissionAdmin {
				grant = true
				break
			}
		}
	}
	return !deny && grant
}

// Match reports whether pattern matches docID. First match wins among,
// in order: exact equality, the universal "*", "<prefix>/*",
// "*<suffix>" (leading star only), and a general glob where only '*'
// is special.
func Match(pattern, docID string) bool {
	if pattern == docID {
		return true
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "/*") && strings.Count(pattern, "*") == 1 {
		return strings.HasPrefix(docID, pattern[:len(pattern)-1])
	}
	if strings.HasPrefix(pattern, "*") && strings.Count(pattern, "*") == 1 {
		return strings.HasSuffix(docID, pattern[1:])
	}
	if strings.Contains(pattern, "*") {
		return compileGlob(pattern).MatchString(docID)
	}
	return false
}

// globCache holds compiled glob patterns. Tokens repeat the same few
// patterns on every message, so misses are rare after warm-up.
var globCache, _ = lru.New[string, *regexp.Regexp](1024)

func compileGlob(pattern string) *regexp.Regexp {
	if re, ok := globCache.Get(pattern); ok {
		return re
	}

	var parts = strings.Split(pattern, "*")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	var re = regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	globCache.Add(pattern, re)
	return re
}
