// Package pathutil expands user-supplied paths from flags and config files.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand replaces $VAR and ${VAR} tokens and a leading "~" or "~/" with
// the current user's home directory. The result may still be relative.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	}
	// ~user is left alone.
	return p, nil
}

// Abs expands p and makes it absolute. Empty input stays empty.
func Abs(p string) (string, error) {
	p, err := Expand(p)
	if err != nil || p == "" {
		return p, err
	}
	return filepath.Abs(p)
}

// Location expands dataset locations. URLs (anything with "://") pass
// through untouched; plain paths are made absolute.
func Location(loc string) (string, error) {
	loc = strings.TrimSpace(loc)
	if strings.Contains(loc, "://") {
		return loc, nil
	}
	return Abs(loc)
}
