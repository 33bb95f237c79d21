// Package generator 串联 manifest 构建与脚本渲染，负责落盘、dry-run 对比与 watch 模式。
package generator

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/sw-precache/internal/config"
	"github.com/any-hub/sw-precache/internal/failure"
	"github.com/any-hub/sw-precache/internal/manifest"
	"github.com/any-hub/sw-precache/internal/render"
)

// DefaultDebounce 是 watch 模式合并连续文件事件的窗口。
const DefaultDebounce = 200 * time.Millisecond

// Generator 持有一次调用的完整选项；Options 按值保存，调用之间互不影响。
type Generator struct {
	fs     afero.Fs
	logger *logrus.Logger
	opts   config.Options

	// Debounce 为 0 时使用 DefaultDebounce。
	Debounce time.Duration
}

// New 创建 Generator；fsys 为空时使用操作系统文件系统。
func New(fsys afero.Fs, logger *logrus.Logger, opts config.Options) *Generator {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Generator{fs: fsys, logger: logger, opts: opts}
}

// Options 返回生成器使用的选项副本。
func (g *Generator) Options() config.Options {
	return g.opts
}

// Generate 构建 manifest 并渲染脚本，不写入任何文件。
func (g *Generator) Generate(ctx context.Context) ([]byte, *manifest.Result, error) {
	return g.generate(ctx, g.opts)
}

func (g *Generator) generate(ctx context.Context, opts config.Options) ([]byte, *manifest.Result, error) {
	result, err := manifest.NewBuilder(g.fs, g.logger, manifest.OptionsFrom(opts)).Build(ctx)
	if err != nil {
		return nil, nil, err
	}
	script, err := render.Script(g.fs, result.Manifest, render.DataFrom(opts))
	if err != nil {
		return nil, nil, err
	}
	return script, result, nil
}

// Write 生成脚本并原子写入 path：先在同目录写临时文件，再 rename 覆盖目标。
// path 的绝对路径会被排除在 glob 结果之外，避免把上一次的产物写进 manifest。
func (g *Generator) Write(ctx context.Context, path string) (*manifest.Result, error) {
	opts, err := g.withOutput(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := g.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, failure.IO("mkdir", dir, err)
	}

	script, result, err := g.generate(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := g.writeAtomic(path, script); err != nil {
		return nil, err
	}

	g.logger.WithFields(logrus.Fields{
		"action":    "write",
		"path":      path,
		"resources": len(result.Manifest),
	}).Info("service worker written")
	return result, nil
}

// Diff 对比现有文件与重新生成的脚本，返回 unified diff 以及是否存在差异。
// 目标文件不存在时视为空文件。
func (g *Generator) Diff(ctx context.Context, path string) (string, bool, error) {
	opts, err := g.withOutput(path)
	if err != nil {
		return "", false, err
	}

	current, err := afero.ReadFile(g.fs, path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, os.ErrNotExist) {
		return "", false, failure.IO("read", path, err)
	}

	script, _, err := g.generate(ctx, opts)
	if err != nil {
		return "", false, err
	}

	if string(current) == string(script) {
		return "", false, nil
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(current)),
		B:        difflib.SplitLines(string(script)),
		FromFile: path,
		ToFile:   path + " (generated)",
		Context:  3,
	})
	if err != nil {
		return "", true, err
	}
	return diff, true, nil
}

func (g *Generator) withOutput(path string) (config.Options, error) {
	opts := g.opts
	abs, err := filepath.Abs(path)
	if err != nil {
		return opts, failure.IO("resolve", path, err)
	}
	opts.OutputFilePath = abs
	return opts, nil
}

func (g *Generator) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(g.fs, dir, ".sw-precache-*")
	if err != nil {
		return failure.IO("create temp file", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = g.fs.Remove(tmpName)
		return failure.IO("write", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = g.fs.Remove(tmpName)
		return failure.IO("close", tmpName, err)
	}
	if err := g.fs.Chmod(tmpName, 0o644); err != nil {
		_ = g.fs.Remove(tmpName)
		return failure.IO("chmod", tmpName, err)
	}
	if err := g.fs.Rename(tmpName, path); err != nil {
		_ = g.fs.Remove(tmpName)
		return failure.IO("rename", path, err)
	}
	return nil
}
