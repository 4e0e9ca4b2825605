// Package phrases supplies the lines the avatar says when nobody has talked
// to it for a while.
package phrases

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Default is used when no phrases file is configured.
var Default = []string{
	"こんにちは！",
	"ボク、スタックチャン！",
	"元気？",
	"今日は何しよう？",
	"何か話そうか？",
	"Hello World!",
	"また会えて嬉しいよ",
}

// Parse reads one phrase per line. Blank lines and lines starting with '#'
// are skipped.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open phrases: %w", err)
	}
	defer f.Close()

	list, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read phrases %s: %w", path, err)
	}
	return list, nil
}

// Watch calls apply with the file's phrases every time it changes, until ctx
// is done. The parent directory is watched so editors that replace the file
// are picked up. A file that fails to load leaves the previous list in place.
func Watch(ctx context.Context, path string, apply func([]string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	slog.Info("watching idle phrases", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			list, err := Load(path)
			if err != nil {
				slog.Warn("idle phrases reload failed", "path", path, "error", err)
				continue
			}
			apply(list)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("phrases watcher error", "error", err)
		}
	}
}
