package merge

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/nilmprep/internal/sink"
	"github.com/starford/nilmprep/internal/source"
)

// WatchCallback is called after every watcher-driven merge.
type WatchCallback func(res *Result, err error)

// Watch merges folder into output once, then again whenever a CSV file
// under folder changes, until ctx is cancelled. Bursts of events are
// collapsed into one merge after debounce of quiet.
//
// New directories created at runtime are added to the watch list. Writes
// to the output file and to in-flight temporary files are ignored.
func (s *Service) Watch(ctx context.Context, folder, output string, opts Options, debounce time.Duration, cb WatchCallback) error {
	out, err := sink.ForPath(output)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(folder)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	s.logger.Info("watcher: started", slog.String("root", root), slog.String("output", out.Path()))

	run := func() {
		res, err := s.Merge(ctx, root, output, opts)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("watcher: merge failed", slog.String("error", err.Error()))
		}
		if cb != nil {
			cb(res, err)
		}
	}
	run()

	var timer *time.Timer
	var timerCh <-chan time.Time

	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerCh = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			run()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						s.logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					schedule()
					continue
				}
			}

			if !source.IsCSV(ev.Name) || ev.Name == out.Path() {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("watcher: change", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
