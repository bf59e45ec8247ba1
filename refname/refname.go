// Package refname converts between declared refs (branch names or
// `<HASHPREFIX><hex>` pinned commits) and their on-disk clone directory
// names (the branch name itself, or `.<hex>` for a pinned commit).
package refname

import (
	"regexp"
	"strings"
)

// DefaultHashPrefix is the default prefix marking a ref as a pinned commit.
const DefaultHashPrefix = "commit/"

var hexRgx = regexp.MustCompile(`^[0-9A-Fa-f]+$`)

// IsCommit reports whether ref is a pinned-commit ref under hashPrefix
// (case-insensitive prefix match, hex-only suffix).
func IsCommit(ref, hashPrefix string) bool {
	hex, ok := commitHex(ref, hashPrefix)
	return ok && hexRgx.MatchString(hex)
}

// Hex returns the hex portion of a pinned-commit ref, in its original
// case (canonicalisation to lowercase happens later, in desiredinventory).
// It returns "", false if ref is not a commit ref under hashPrefix.
func Hex(ref, hashPrefix string) (string, bool) {
	hex, ok := commitHex(ref, hashPrefix)
	if !ok || !hexRgx.MatchString(hex) {
		return "", false
	}
	return hex, true
}

func commitHex(ref, hashPrefix string) (string, bool) {
	if len(ref) <= len(hashPrefix) {
		return "", false
	}
	if !strings.EqualFold(ref[:len(hashPrefix)], hashPrefix) {
		return "", false
	}
	return ref[len(hashPrefix):], true
}

// Dirname maps a declared ref to its on-disk clone directory name: the
// branch name unchanged, or ".<hex>" (original case preserved) for a
// pinned commit.
func Dirname(ref, hashPrefix string) string {
	if hex, ok := commitHex(ref, hashPrefix); ok && hexRgx.MatchString(hex) {
		return "." + hex
	}
	return ref
}

// FromDirname is the inverse of Dirname: a ".<hex>" directory name maps
// back to "<hashPrefix><hex>"; any other name is returned unchanged.
func FromDirname(dirname, hashPrefix string) string {
	if strings.HasPrefix(dirname, ".") && len(dirname) > 1 {
		hex := dirname[1:]
		if hexRgx.MatchString(hex) {
			return hashPrefix + hex
		}
	}
	return dirname
}
