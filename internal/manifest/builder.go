package manifest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/sw-precache/internal/failure"
	"github.com/any-hub/sw-precache/internal/logging"
)

// Builder 扫描文件系统并生成 manifest，单次构建内无共享可变状态。
type Builder struct {
	fs     afero.Fs
	logger *logrus.Logger
	opts   Options
}

// NewBuilder 创建 Builder；logger 为空时使用 logrus 标准实例。
func NewBuilder(fsys afero.Fs, logger *logrus.Logger, opts Options) *Builder {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Builder{fs: fsys, logger: logger, opts: opts}
}

// Build 合并静态与动态条目，按 URL 升序输出，并记录预缓存总大小。
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	static, staticBytes, err := b.StaticEntries(ctx)
	if err != nil {
		return nil, err
	}
	dynamic, dynamicBytes, err := b.DynamicEntries(ctx)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(static)+len(dynamic))
	for _, e := range static {
		merged[e.RelativeURL] = e.Hash
	}
	for _, e := range dynamic {
		if prev, ok := merged[e.RelativeURL]; ok {
			b.logger.WithFields(logrus.Fields{
				"action":      "manifest_collision",
				"url":         e.RelativeURL,
				"staticHash":  prev,
				"dynamicHash": e.Hash,
			}).Warn("dynamic URL overrides a static file entry")
		}
		merged[e.RelativeURL] = e.Hash
	}

	urls := make([]string, 0, len(merged))
	for url := range merged {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	result := &Result{
		Manifest:   make(Manifest, 0, len(urls)),
		TotalBytes: staticBytes + dynamicBytes,
	}
	for _, url := range urls {
		result.Manifest = append(result.Manifest, Entry{RelativeURL: url, Hash: merged[url]})
	}

	b.logger.WithField("action", "manifest_total").Infof(
		"Total precache size is about %s for %d resources.",
		humanize.Bytes(uint64(result.TotalBytes)), len(result.Manifest),
	)
	return result, nil
}

// StaticEntries 依次展开每个 glob，按匹配顺序返回条目与纳入文件的总字节数。
// 超过大小上限的文件只记录日志，不视为错误。
func (b *Builder) StaticEntries(ctx context.Context) ([]Entry, int64, error) {
	var paths []string
	for _, pattern := range b.opts.StaticFileGlobs {
		matches, err := expandGlob(b.fs, pattern)
		if err != nil {
			var syntaxErr *syntaxError
			if errors.As(err, &syntaxErr) {
				return nil, 0, failure.Configuration("staticFileGlobs", err)
			}
			return nil, 0, failure.IO("glob", pattern, err)
		}
		for _, p := range matches {
			if b.isOutputFile(p) {
				continue
			}
			paths = append(paths, p)
		}
	}

	records, err := b.scan(ctx, paths)
	if err != nil {
		return nil, 0, err
	}

	entries := make([]Entry, 0, len(records))
	var total int64
	for _, rec := range records {
		if rec.Size > b.opts.MaximumFileSize {
			b.logger.WithFields(logging.FileFields(rec.Path, "", rec.Size)).Warnf(
				"Skipping static resource %q (%s) - max size is %s",
				rec.Path, humanize.Bytes(uint64(rec.Size)), humanize.Bytes(uint64(b.opts.MaximumFileSize)),
			)
			continue
		}
		url := RelativeURL(rec.Path, b.opts.StripPrefix, b.opts.ReplacePrefix)
		entry := b.logger.WithFields(logging.FileFields(rec.Path, url, rec.Size))
		msg := "Caching static resource " + rec.Path + " (" + humanize.Bytes(uint64(rec.Size)) + ")"
		if b.opts.Verbose {
			entry.Info(msg)
		} else {
			entry.Debug(msg)
		}
		entries = append(entries, Entry{RelativeURL: url, Hash: rec.Hash})
		total += rec.Size
	}
	return entries, total, nil
}

// scan 并行读取文件大小与哈希，结果按 paths 原顺序返回；超限文件不计算哈希。
func (b *Builder) scan(ctx context.Context, paths []string) ([]FileRecord, error) {
	records := make([]FileRecord, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := b.fs.Stat(p)
			if err != nil {
				return failure.IO("stat", p, err)
			}
			records[i] = FileRecord{Path: p, Size: info.Size()}
			if info.Size() > b.opts.MaximumFileSize {
				return nil
			}
			hash, _, err := HashFile(b.fs, p)
			if err != nil {
				return failure.IO("read", p, err)
			}
			records[i].Hash = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// DynamicEntries 为每个动态 URL 计算合成哈希：依赖路径排序后逐个哈希，拼接十六进制摘要再整体哈希。
func (b *Builder) DynamicEntries(ctx context.Context) ([]Entry, int64, error) {
	urls := make([]string, 0, len(b.opts.DynamicURLToDependencies))
	for url := range b.opts.DynamicURLToDependencies {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	entries := make([]Entry, 0, len(urls))
	var total int64
	for _, url := range urls {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		hash, size, err := b.dynamicHash(url, b.opts.DynamicURLToDependencies[url])
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, Entry{RelativeURL: url, Hash: hash})
		total += size
	}
	return entries, total, nil
}

func (b *Builder) dynamicHash(url string, deps []string) (string, int64, error) {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)

	var (
		concatenated strings.Builder
		size         int64
	)
	for _, dep := range sorted {
		hash, n, err := HashFile(b.fs, dep)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
				b.logger.WithFields(logrus.Fields{
					"action": "dynamic_dependency",
					"file":   dep,
					"url":    url,
				}).Errorf("%s was listed as a dependency for dynamic URL %s, but the file does not exist. "+
					"Either remove the entry as a dependency, or correct the path to the file.", dep, url)
				return "", 0, failure.MissingDependency(dep, url, err)
			}
			return "", 0, failure.IO("read", dep, err)
		}
		concatenated.WriteString(hash)
		size += n
	}
	return HashBytes([]byte(concatenated.String())), size, nil
}

func (b *Builder) isOutputFile(p string) bool {
	if b.opts.OutputFilePath == "" {
		return false
	}
	abs, err := filepath.Abs(filepath.FromSlash(p))
	if err != nil {
		return false
	}
	return abs == filepath.Clean(b.opts.OutputFilePath)
}

// RelativeURL 仅在 stripPrefix 为字面前缀时移除并插入 replacePrefix，分隔符统一为 "/"。
func RelativeURL(path, stripPrefix, replacePrefix string) string {
	p := filepath.ToSlash(path)
	strip := filepath.ToSlash(stripPrefix)
	if strings.HasPrefix(p, strip) {
		p = replacePrefix + p[len(strip):]
	}
	return p
}
