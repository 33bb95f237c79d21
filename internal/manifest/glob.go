package manifest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"
)

const globMeta = "*?[{"

// syntaxError 表示 glob 无法编译，属于配置错误而不是 IO 错误。
type syntaxError struct {
	pattern string
	err     error
}

func (e *syntaxError) Error() string { return "invalid glob " + e.pattern + ": " + e.err.Error() }

func (e *syntaxError) Unwrap() error { return e.err }

// matcher 编译一个 glob 及其 "** 匹配零层目录" 的变体。
type matcher struct {
	variants []glob.Glob
	dot      bool
}

func compileGlob(pattern string) (*matcher, error) {
	m := &matcher{dot: strings.Contains(pattern, "/.") || strings.HasPrefix(pattern, ".") && !strings.HasPrefix(pattern, "./") && !strings.HasPrefix(pattern, "../")}
	for _, variant := range globstarVariants(pattern) {
		g, err := glob.Compile(variant, '/')
		if err != nil {
			return nil, err
		}
		m.variants = append(m.variants, g)
	}
	return m, nil
}

func (m *matcher) Match(candidate string) bool {
	for _, g := range m.variants {
		if g.Match(candidate) {
			return true
		}
	}
	return false
}

// globstarVariants 展开 "/**/" 与开头 "**/" 的零层目录写法，gobwas 的 ** 至少匹配一个分隔符。
func globstarVariants(pattern string) []string {
	seen := map[string]struct{}{pattern: {}}
	result := []string{pattern}
	for i := 0; i < len(result) && len(result) < 16; i++ {
		current := result[i]
		var next []string
		if strings.HasPrefix(current, "**/") {
			next = append(next, current[len("**/"):])
		}
		for start := 0; ; {
			rel := strings.Index(current[start:], "/**/")
			if rel < 0 {
				break
			}
			idx := start + rel
			next = append(next, current[:idx]+"/"+current[idx+len("/**/"):])
			start = idx + 1
		}
		for _, candidate := range next {
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
			result = append(result, candidate)
		}
	}
	return result
}

// literalBase 返回 pattern 中第一个含通配符的段之前的目录部分。
func literalBase(pattern string) string {
	segments := strings.Split(pattern, "/")
	base := make([]string, 0, len(segments))
	for _, seg := range segments[:len(segments)-1] {
		if strings.ContainsAny(seg, globMeta) {
			break
		}
		base = append(base, seg)
	}
	return strings.Join(base, "/")
}

// GlobRoot 返回展开 pattern 时的起始目录，watch 模式据此注册监听。
func GlobRoot(pattern string) string {
	pattern = filepath.ToSlash(pattern)
	if !strings.ContainsAny(pattern, globMeta) {
		return filepath.Dir(pattern)
	}
	if base := literalBase(pattern); base != "" {
		return base
	}
	if strings.HasPrefix(pattern, "/") {
		return "/"
	}
	return "."
}

// expandGlob 按字典序返回匹配 pattern 的普通文件路径，路径保留调用方写法（例如 "./app/a.js"）。
func expandGlob(fsys afero.Fs, pattern string) ([]string, error) {
	pattern = filepath.ToSlash(pattern)
	if !strings.ContainsAny(pattern, globMeta) {
		info, err := fsys.Stat(pattern)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		if !info.Mode().IsRegular() {
			return nil, nil
		}
		return []string{pattern}, nil
	}

	m, err := compileGlob(pattern)
	if err != nil {
		return nil, &syntaxError{pattern: pattern, err: err}
	}

	base := literalBase(pattern)
	root := GlobRoot(pattern)

	if _, err := fsys.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var matches []string
	walkErr := afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !m.dot && hasDotSegment(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		candidate := joinCandidate(base, root, rel)
		if m.Match(candidate) {
			matches = append(matches, candidate)
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return matches, nil
}

func joinCandidate(base, root, rel string) string {
	switch {
	case base == "" && root == "/":
		return "/" + rel
	case base == "":
		return rel
	case strings.HasSuffix(base, "/"):
		return base + rel
	default:
		return base + "/" + rel
	}
}

func hasDotSegment(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
