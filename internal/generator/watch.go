package generator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/sw-precache/internal/manifest"
)

// ChangeFunc 在每次重新生成后被调用，err 非空表示本轮生成失败，watch 继续运行。
type ChangeFunc func(result *manifest.Result, err error)

// Watch 监听 glob 根目录、动态依赖与自定义模板，文件变化后（去抖）重新写入 path。
// 只适用于操作系统文件系统；ctx 取消后返回 nil。
func (g *Generator) Watch(ctx context.Context, path string, onChange ChangeFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range g.watchDirs() {
		if err := g.addRecursive(watcher, dir); err != nil {
			g.logger.WithFields(logrus.Fields{"action": "watch", "path": dir}).Warnf("watch skipped: %v", err)
		}
	}

	output, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	debounce := g.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	g.logger.WithFields(logrus.Fields{"action": "watch", "path": path}).Info("watching for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if g.ignoreEvent(event, output) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					_ = g.addRecursive(watcher, event.Name)
				}
			}
			timer.Reset(debounce)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.WithField("action", "watch").Warnf("watcher error: %v", watchErr)
		case <-timer.C:
			result, err := g.Write(ctx, path)
			if err != nil {
				g.logger.WithField("action", "watch").Errorf("regenerate failed: %v", err)
			}
			if onChange != nil {
				onChange(result, err)
			}
		}
	}
}

func (g *Generator) ignoreEvent(event fsnotify.Event, output string) bool {
	if event.Op == fsnotify.Chmod {
		return true
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if abs == output {
		return true
	}
	// Write 产生的临时文件
	return filepath.Dir(abs) == filepath.Dir(output) && len(filepath.Base(abs)) > 0 && filepath.Base(abs)[0] == '.'
}

// watchDirs 汇总需要监听的目录，去重后按出现顺序返回。
func (g *Generator) watchDirs() []string {
	seen := map[string]struct{}{}
	var dirs []string
	add := func(dir string) {
		if dir == "" {
			dir = "."
		}
		if _, ok := seen[dir]; ok {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	for _, pattern := range g.opts.StaticFileGlobs {
		add(manifest.GlobRoot(pattern))
	}
	for _, deps := range g.opts.DynamicURLToDependencies {
		for _, dep := range deps {
			add(filepath.Dir(dep))
		}
	}
	if g.opts.TemplateFilePath != "" {
		add(filepath.Dir(g.opts.TemplateFilePath))
	}
	return dirs
}

func (g *Generator) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return afero.Walk(g.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && len(info.Name()) > 0 && info.Name()[0] == '.' {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
