package scan

import (
	"bufio"
	"path"
	"strings"

	"github.com/spf13/afero"

	dsync "github.com/diffr-sync/diffr/sync"
)

// IgnoreFile is the per-root ignore list, read from the sync root.
const IgnoreFile = ".diffrignore"

// stateDir holds diffr's own data on every drive and is never synced.
const stateDir = ".diffr"

// Ignore holds patterns loaded from a .diffrignore file.
type Ignore struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern string
	dirOnly bool // trailing / in source line
	rooted  bool // contains a slash: matched against the relative path
}

// LoadIgnore reads the ignore file at p. A missing or unreadable file
// yields an empty Ignore (nothing user-defined is ignored).
func LoadIgnore(fs afero.Fs, p string) *Ignore {
	ig := &Ignore{}

	f, err := fs.Open(p)
	if err != nil {
		return ig
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ip := ignorePattern{pattern: line}
		if strings.HasSuffix(line, "/") {
			ip.pattern = strings.TrimSuffix(line, "/")
			ip.dirOnly = true
		}
		if strings.Contains(ip.pattern, "/") {
			ip.pattern = strings.TrimPrefix(ip.pattern, "/")
			ip.rooted = true
		}
		ig.patterns = append(ig.patterns, ip)
	}

	return ig
}

// IsIgnored reports whether the slash-separated relative path is excluded.
// diffr's state directory and in-flight temp files are always excluded.
func (ig *Ignore) IsIgnored(rel string, isDir bool) bool {
	name := path.Base(rel)
	if rel == stateDir || strings.HasPrefix(rel, stateDir+"/") || (!isDir && dsync.IsTempName(name)) {
		return true
	}
	if ig == nil {
		return false
	}
	for _, p := range ig.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		target := name
		if p.rooted {
			target = rel
		}
		if matched, _ := path.Match(p.pattern, target); matched {
			return true
		}
	}
	return false
}

// Excludes reports whether the file at rel is ignored, either itself or
// through an ignored parent directory.
func (ig *Ignore) Excludes(rel string) bool {
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if ig.IsIgnored(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return ig.IsIgnored(rel, false)
}
