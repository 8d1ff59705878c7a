// Package catalog keeps a directory of named workflow definitions loaded and
// planned.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/planner"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Entry is one loaded workflow.
type Entry struct {
	Name     string
	Path     string
	Spec     *workflow.Spec
	Plan     *planner.Plan
	LoadedAt time.Time
}

// FileError reports a definition file that failed to load.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Catalog maps workflow names to their spec and plan. A file that stops
// parsing keeps its last good version until it is fixed or removed.
type Catalog struct {
	dir     string
	planner *planner.Planner
	logger  *logging.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry  // by workflow name
	names   map[string]string // path -> workflow name
	errs    map[string]error  // path -> last load error
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// WithPlanner sets the planner used for loaded workflows.
func WithPlanner(p *planner.Planner) Option {
	return func(c *Catalog) { c.planner = p }
}

// New creates an empty catalog for dir. Call Load to populate it.
func New(dir string, opts ...Option) *Catalog {
	c := &Catalog{
		dir:     dir,
		planner: planner.New(),
		logger:  logging.NewNop(),
		now:     time.Now,
		entries: make(map[string]Entry),
		names:   make(map[string]string),
		errs:    make(map[string]error),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the watched directory.
func (c *Catalog) Dir() string { return c.dir }

// Load reads every definition file in the directory, creating it if it does
// not exist. Invalid files are recorded and reported by Errors; only a
// directory that cannot be read fails Load.
func (c *Catalog) Load(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("reading catalog directory: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() || !isDefinition(de.Name()) {
			continue
		}
		c.loadFile(ctx, filepath.Join(c.dir, de.Name()))
	}

	c.mu.RLock()
	loaded, failed := len(c.entries), len(c.errs)
	c.mu.RUnlock()
	c.logger.Info(ctx, "workflow catalog loaded",
		zap.String("dir", c.dir),
		zap.Int("workflows", loaded),
		zap.Int("invalid", failed),
	)
	return nil
}

// Get returns the workflow named name.
func (c *Catalog) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// List returns all workflows sorted by name.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Errors returns the current load failures sorted by path.
func (c *Catalog) Errors() []*FileError {
	c.mu.RLock()
	out := make([]*FileError, 0, len(c.errs))
	for path, err := range c.errs {
		out = append(out, &FileError{Path: path, Err: err})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Watch reloads definitions as files change until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watching %s: %w", c.dir, err)
	}
	c.logger.Debug(ctx, "watching workflow catalog", zap.String("dir", c.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			c.handle(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn(ctx, "catalog watcher error", zap.Error(err))
		}
	}
}

func (c *Catalog) handle(ctx context.Context, event fsnotify.Event) {
	if !isDefinition(event.Name) {
		return
	}
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		c.removeFile(ctx, event.Name)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		c.loadFile(ctx, event.Name)
	}
}

// loadFile parses and plans one file. On failure the previous version of the
// file, if any, stays registered.
func (c *Catalog) loadFile(ctx context.Context, path string) {
	spec, err := workflow.LoadFile(path)
	var plan *planner.Plan
	if err == nil {
		plan, err = c.planner.Plan(spec)
	}

	c.mu.Lock()
	if err == nil {
		if owner, ok := c.pathOf(spec.Name); ok && owner != path {
			err = fmt.Errorf("workflow %q is already defined in %s", spec.Name, owner)
		}
	}
	if err != nil {
		c.errs[path] = err
		c.mu.Unlock()
		c.logger.Warn(ctx, "invalid workflow definition", zap.String("path", path), zap.Error(err))
		return
	}

	if old, ok := c.names[path]; ok && old != spec.Name {
		delete(c.entries, old)
	}
	delete(c.errs, path)
	c.names[path] = spec.Name
	c.entries[spec.Name] = Entry{
		Name:     spec.Name,
		Path:     path,
		Spec:     spec,
		Plan:     plan,
		LoadedAt: c.now(),
	}
	c.mu.Unlock()

	c.logger.Info(ctx, "workflow loaded",
		zap.String("workflow.id", spec.Name),
		zap.String("path", path),
		zap.Int("steps", plan.TotalSteps),
		zap.Int("groups", len(plan.Groups)),
	)
}

func (c *Catalog) removeFile(ctx context.Context, path string) {
	c.mu.Lock()
	name, ok := c.names[path]
	delete(c.names, path)
	delete(c.errs, path)
	if ok {
		delete(c.entries, name)
	}
	c.mu.Unlock()

	if ok {
		c.logger.Info(ctx, "workflow removed", zap.String("workflow.id", name), zap.String("path", path))
	}
}

// pathOf must be called with mu held.
func (c *Catalog) pathOf(name string) (string, bool) {
	e, ok := c.entries[name]
	return e.Path, ok
}

func isDefinition(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
