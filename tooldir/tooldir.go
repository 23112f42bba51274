// Package tooldir loads tool descriptors from a directory of JSON files and
// keeps a tools.Set synchronized with it. The directory is the source of
// truth: every reload replaces the set's contents with what the descriptors
// declare.
package tooldir

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/tannht/mcp-compliance-go/jobs"
	"github.com/tannht/mcp-compliance-go/mcp"
	"github.com/tannht/mcp-compliance-go/schema"
	"github.com/tannht/mcp-compliance-go/tools"
)

// ExecutorResolver maps a descriptor's tool id to the executor backing it.
// A nil return means no executor is known for that id; the tool is still
// registered, with a stub that fails every invocation.
type ExecutorResolver func(toolID string) jobs.ExecutorFunc

// descriptor is the on-disk shape of one tool definition.
type descriptor struct {
	ToolID       string          `json:"tool_id"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Mode         mcp.Mode        `json:"mode,omitempty"`
}

// Watcher mirrors a descriptor directory into a tools.Set.
type Watcher struct {
	dir     string
	set     *tools.Set
	resolve ExecutorResolver
	log     *slog.Logger
	running atomic.Bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// New builds a Watcher over dir. The directory must exist; descriptors are
// not loaded until Reload or Run is called.
func New(dir string, set *tools.Set, resolve ExecutorResolver, opts ...Option) (*Watcher, error) {
	if set == nil {
		return nil, fmt.Errorf("tooldir: tool set is required")
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("tooldir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("tooldir: %s is not a directory", dir)
	}
	w := &Watcher{dir: dir, set: set, resolve: resolve, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Reload scans the directory tree for *.json descriptors and replaces the
// set's contents with them. Files that fail to decode are logged and
// skipped; only a filesystem walk failure is an error.
func (w *Watcher) Reload(ctx context.Context) error {
	var defs []*tools.Tool
	err := filepath.WalkDir(w.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".json") {
			return nil
		}
		tool, err := w.loadOne(ctx, p)
		if err != nil {
			w.log.WarnContext(ctx, "tooldir.load.fail",
				slog.String("path", p),
				slog.String("err", err.Error()),
			)
			return nil
		}
		defs = append(defs, tool)
		return nil
	})
	if err != nil {
		return fmt.Errorf("tooldir: scan %s: %w", w.dir, err)
	}
	w.set.Replace(ctx, defs...)
	w.log.InfoContext(ctx, "tooldir.reload.ok", slog.Int("tools", len(defs)))
	return nil
}

func (w *Watcher) loadOne(ctx context.Context, path string) (*tools.Tool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if d.ToolID == "" {
		return nil, fmt.Errorf("descriptor missing tool_id")
	}
	switch d.Mode {
	case "", mcp.ModeSync, mcp.ModeAsync:
	default:
		return nil, fmt.Errorf("unknown mode %q", d.Mode)
	}

	tool := &tools.Tool{
		ID:          d.ToolID,
		Description: d.Description,
		DefaultMode: d.Mode,
	}
	if len(d.InputSchema) > 0 {
		s, err := schema.Parse(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("input schema: %w", err)
		}
		tool.InputSchema = s
	}
	if len(d.OutputSchema) > 0 {
		s, err := schema.Parse(d.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("output schema: %w", err)
		}
		tool.OutputSchema = s
	}

	var exec jobs.ExecutorFunc
	if w.resolve != nil {
		exec = w.resolve(d.ToolID)
	}
	if exec == nil {
		id := d.ToolID
		exec = func(ctx context.Context, args json.RawMessage, report jobs.ProgressFunc) (any, error) {
			return nil, fmt.Errorf("tool %s has no registered executor", id)
		}
		w.log.WarnContext(ctx, "tooldir.unresolved_executor", slog.String("tool_id", d.ToolID))
	}
	tool.Executor = exec
	return tool, nil
}

// Run loads the directory, then watches it with fsnotify and reloads on
// every descriptor change until ctx ends. Newly created subdirectories are
// added to the watch. Only one Run may be active per Watcher.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("tooldir: already running")
	}
	defer w.running.Store(false)

	if err := w.Reload(ctx); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tooldir: watch: %w", err)
	}
	defer func() {
		_ = fsw.Close()
	}()

	// Recursively add all directories under the root.
	addDirs := func() error {
		return filepath.WalkDir(w.dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			return fsw.Add(p)
		})
	}
	if err := addDirs(); err != nil {
		w.log.DebugContext(ctx, "tooldir.watch.add_dirs.fail", slog.String("err", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				// New directories join the watch; anything else is a
				// catalog change.
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fsw.Add(ev.Name)
					_ = w.Reload(ctx)
					continue
				}
			}
			if !relevant(ev) {
				continue
			}
			if err := w.Reload(ctx); err != nil {
				w.log.ErrorContext(ctx, "tooldir.reload.fail", slog.String("err", err.Error()))
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.DebugContext(ctx, "tooldir.watch.err", slog.String("err", err.Error()))
		}
	}
}

// relevant reports whether an event can change the catalog: any remove or
// rename, or a create/write touching a .json file.
func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		return true
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0 {
		return strings.EqualFold(filepath.Ext(ev.Name), ".json")
	}
	return false
}
