package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchDefinitions refreshes loaded agents when their definition files
// change. Identities never change on refresh. The returned stop function
// closes the watcher and waits for the loop to exit.
func (r *Registry) WatchDefinitions(ctx context.Context) (func(), error) {
	if r.defsDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(r.defsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create definitions dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create definitions watcher: %w", err)
	}
	if err := watcher.Add(r.defsDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", r.defsDir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				base := filepath.Base(event.Name)
				if !strings.HasSuffix(base, DefinitionExt) {
					continue
				}
				r.RefreshDefinition(strings.TrimSuffix(base, DefinitionExt))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Debug("definitions watcher error", zap.Error(err))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// RefreshDefinition reloads ref and rebuilds every loaded agent backed by it.
// It returns the number of agents refreshed.
func (r *Registry) RefreshDefinition(ref string) int {
	def, err := LoadDefinition(r.defsDir, ref)
	if err != nil {
		r.logger.Debug("definition not readable yet", zap.String("ref", ref), zap.Error(err))
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	refreshed := 0
	for slug, old := range r.agents {
		if old.DefinitionRef != ref {
			continue
		}
		a := &Agent{
			Name:          old.Slug,
			Slug:          old.Slug,
			DefinitionRef: old.DefinitionRef,
			IsDefault:     old.IsDefault,
			keys:          old.keys,
		}
		applyDefinition(a, def)
		a.Tools = Capabilities(a.Slug, a.Role, a.DefinitionID, a.Tools)
		r.agents[slug] = a
		refreshed++
		r.logger.Info("agent definition refreshed", zap.String("agent", slug), zap.String("ref", ref))
	}
	return refreshed
}
