package unit

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML shape for declaratively managed units. It
// complements the CRUD API: ops-owned automations live in a file under
// version control and are upserted on startup and on every file change.
type SeedFile struct {
	Units []Unit `yaml:"units"`
}

// SeedLoader reads a units YAML file and watches it for changes.
type SeedLoader struct {
	path string
	repo *Repository
}

// NewSeedLoader creates a loader for path. The file does not have to
// exist; a missing seed file simply seeds nothing.
func NewSeedLoader(path string, repo *Repository) *SeedLoader {
	return &SeedLoader{path: path, repo: repo}
}

// Load parses the seed file, validates every unit and upserts the valid
// ones. Invalid entries are skipped with a warning so one bad unit does
// not block the rest of the file.
func (l *SeedLoader) Load(ctx context.Context) (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading seed file %s: %w", l.path, err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parsing seed file %s: %w", l.path, err)
	}

	loaded := 0
	for i := range seed.Units {
		u := &seed.Units[i]
		if u.Status == "" {
			u.Status = StatusActive
		}
		if err := Validate(u); err != nil {
			slog.Warn("seed unit skipped", "unit_id", u.ID, "err", err)
			continue
		}
		if err := l.repo.Upsert(ctx, u); err != nil {
			return loaded, fmt.Errorf("seeding unit %s: %w", u.ID, err)
		}
		loaded++
	}
	return loaded, nil
}

// Watch starts a background goroutine that re-seeds on file changes.
// Call the returned stop function to clean up.
func (l *SeedLoader) Watch(ctx context.Context) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("seed watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("seed watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					n, loadErr := l.Load(ctx)
					if loadErr != nil {
						slog.Warn("seed reload failed", "err", loadErr)
						continue
					}
					slog.Info("seed file reloaded", "units", n)
				}
			case <-w.Errors:
				// Ignore watcher errors; the next write will retry.
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
