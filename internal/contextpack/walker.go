// Package contextpack turns a set of filesystem paths into a model
// prompt: small files go inline, the rest spill into a vector store, and
// a per-session stable list keeps inline membership steady across turns
// so provider prompt caches stay warm.
package contextpack

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
)

// Candidate is one file eligible for the prompt.
type Candidate struct {
	Path    string
	Size    int64
	MtimeNS int64
}

// maxCandidateSize guards against pathological inputs; anything this
// large is useless inline and hostile to upload.
const maxCandidateSize = 50 << 20

// Walk expands paths (files or directories) into candidate files,
// honoring .gitignore files and skipping binaries. Unreadable entries are
// logged and skipped. The result is path-sorted.
func Walk(paths []string) []Candidate {
	seen := make(map[string]struct{})
	var out []Candidate

	add := func(path string, st os.FileInfo) {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, Candidate{Path: abs, Size: st.Size(), MtimeNS: st.ModTime().UnixNano()})
	}

	for _, root := range paths {
		st, err := os.Stat(root)
		if err != nil {
			L_warn("contextpack: skipping unreadable path", "path", root, "error", err)
			continue
		}
		if !st.IsDir() {
			if includeFile(root, st) {
				add(root, st)
			}
			continue
		}

		ign := newIgnoreStack(root)
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				L_warn("contextpack: walk error", "path", path, "error", err)
				return nil
			}
			rel, rerr := filepath.Rel(root, path)
			if rerr != nil || rel == "." {
				return nil
			}
			if info.IsDir() {
				if info.Name() == ".git" || ign.ignored(rel, true) {
					return filepath.SkipDir
				}
				ign.load(path, rel)
				return nil
			}
			if ign.ignored(rel, false) {
				return nil
			}
			if includeFile(path, info) {
				add(path, info)
			}
			return nil
		})
		if err != nil {
			L_warn("contextpack: walk failed", "root", root, "error", err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// includeFile filters out binaries and oversized files. Content sniffing
// uses the mimetype hierarchy: every text-based format descends from
// text/plain.
func includeFile(path string, st os.FileInfo) bool {
	if st.Size() == 0 || st.Size() > maxCandidateSize {
		return false
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		L_warn("contextpack: mime detection failed", "path", path, "error", err)
		return false
	}
	for t := mt; t != nil; t = t.Parent() {
		if t.Is("text/plain") {
			return true
		}
	}
	return false
}

// ignoreStack layers .gitignore files found while walking. Matching is
// the common subset of gitignore syntax: comments, negation, dir-only
// patterns, leading-slash anchoring, and * / ** globs.
type ignoreStack struct {
	rules []ignoreRule
}

type ignoreRule struct {
	pattern string
	base    string // dir the .gitignore lives in, relative to root ("" at root)
	negate  bool
	dirOnly bool
}

func newIgnoreStack(root string) *ignoreStack {
	s := &ignoreStack{}
	s.load(root, "")
	return s
}

func (s *ignoreStack) load(dir, rel string) {
	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return
	}
	if rel == "." {
		rel = ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule := ignoreRule{base: rel}
		if strings.HasPrefix(line, "!") {
			rule.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			rule.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		rule.pattern = line
		s.rules = append(s.rules, rule)
	}
}

func (s *ignoreStack) ignored(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	matched := false
	for _, r := range s.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(rel) {
			matched = !r.negate
		}
	}
	return matched
}

func (r ignoreRule) matches(rel string) bool {
	// Scope the path to the .gitignore's own directory.
	if r.base != "" {
		prefix := filepath.ToSlash(r.base) + "/"
		if !strings.HasPrefix(rel, prefix) {
			return false
		}
		rel = strings.TrimPrefix(rel, prefix)
	}

	pat := r.pattern
	anchored := strings.HasPrefix(pat, "/")
	pat = strings.TrimPrefix(pat, "/")

	if strings.Contains(pat, "**") {
		return matchDoubleStar(pat, rel)
	}

	if anchored || strings.Contains(pat, "/") {
		ok, _ := filepath.Match(pat, rel)
		if ok {
			return true
		}
		// A matching directory ignores everything beneath it.
		ok, _ = filepath.Match(pat+"/*", rel)
		if !ok {
			ok = strings.HasPrefix(rel, pat+"/")
		}
		return ok
	}

	// Unanchored basename patterns match at any depth.
	for _, seg := range strings.Split(rel, "/") {
		if ok, _ := filepath.Match(pat, seg); ok {
			return true
		}
	}
	return false
}

func matchDoubleStar(pat, rel string) bool {
	parts := strings.SplitN(pat, "**", 2)
	prefix := strings.TrimSuffix(parts[0], "/")
	suffix := strings.TrimPrefix(parts[1], "/")
	if prefix != "" && !strings.HasPrefix(rel, prefix+"/") && rel != prefix {
		return false
	}
	if suffix == "" {
		return true
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(rel, prefix), "/")
	segs := strings.Split(rest, "/")
	for i := range segs {
		if ok, _ := filepath.Match(suffix, strings.Join(segs[i:], "/")); ok {
			return true
		}
	}
	return false
}
