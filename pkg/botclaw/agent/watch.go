package agent

import (
	"context"

	"github.com/jholhewres/botclaw/pkg/botclaw/config/watch"
)

// WatchModule reloads src whenever its file changes and unloads it when the
// file is removed. It blocks until ctx is done.
func (a *Agent) WatchModule(ctx context.Context, src *FileSource) {
	w := watch.New(src.Path, a.cfg.WatchInterval, a.moduleEvent(ctx, src), a.logger)
	w.Start(ctx)
}

func (a *Agent) moduleEvent(ctx context.Context, src *FileSource) func(watch.Event) {
	return func(ev watch.Event) {
		switch ev.Kind {
		case watch.Changed:
			if _, err := a.Reload(ctx, src); err != nil {
				a.logger.Warn("module reload failed", "source", src.Name(), "error", err)
			}
		case watch.Removed:
			a.Unload(src.Name())
		}
	}
}

// LoadModules reloads every configured module file and returns the sources.
// A file that fails to load is logged and still returned so that a later
// fix is picked up by its watcher.
func (a *Agent) LoadModules(ctx context.Context, catalog Catalog) []*FileSource {
	srcs := make([]*FileSource, 0, len(a.cfg.Modules))
	for _, path := range a.cfg.Modules {
		src := NewFileSource(path, catalog)
		if _, err := a.Reload(ctx, src); err != nil {
			a.logger.Warn("module not loaded", "path", path, "error", err)
		}
		srcs = append(srcs, src)
	}
	return srcs
}
