package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/TangGee/go-mcp-runtime"
	"github.com/fsnotify/fsnotify"
)

// Watch watches the allowed directories recursively and sends resources/updated to the clients
// subscribed to a file whenever it is written, created, removed or renamed. Creations, removals and
// renames also send resources/list_changed to every client. It blocks until ctx is done.
func (s *Server) Watch(ctx context.Context, srv *mcp.Server) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	for _, root := range s.allowedDirectories() {
		if err := addDirs(w, root); err != nil {
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addDirs(w, ev.Name); err != nil {
						s.logger.Warn("failed to watch new directory",
							slog.String("path", ev.Name),
							slog.String("err", err.Error()))
					}
					continue
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("file changed", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			srv.NotifyResourceUpdated(ctx, fileURI(ev.Name))
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				srv.NotifyResourcesListChanged(ctx)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", slog.String("err", err.Error()))
		}
	}
}

func addDirs(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
