// Package tools provides the tool catalog served by the compliance layer: a
// descriptor type pairing schemas with an executor, a mutable Set container
// with change notifications, and typed constructors that reflect input
// schemas from argument structs.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/tannht/mcp-compliance-go/jobs"
	"github.com/tannht/mcp-compliance-go/mcp"
	"github.com/tannht/mcp-compliance-go/schema"
)

// Tool pairs a tool descriptor with its executor. DefaultMode, when set,
// picks the execution mode for calls that do not request one.
type Tool struct {
	ID           string
	Description  string
	InputSchema  *schema.Schema
	OutputSchema *schema.Schema
	DefaultMode  mcp.Mode
	Executor     jobs.ExecutorFunc
}

// Set is a mutable, mutex-guarded tool catalog. It embeds a ChangeNotifier so
// watchers (directory reloads, admin surfaces) can signal listings changed.
type Set struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*Tool

	notifier ChangeNotifier
}

// NewSet constructs a Set with the given tool definitions.
func NewSet(defs ...*Tool) *Set {
	s := &Set{}
	s.Replace(context.Background(), defs...)
	return s
}

// Replace atomically replaces the entire tool set. Duplicate IDs are
// last-write-wins.
func (s *Set) Replace(_ context.Context, defs ...*Tool) {
	s.mu.Lock()
	s.order = s.order[:0]
	s.tools = make(map[string]*Tool, len(defs))
	for _, d := range defs {
		if d == nil || d.ID == "" {
			continue
		}
		if _, exists := s.tools[d.ID]; !exists {
			s.order = append(s.order, d.ID)
		}
		s.tools[d.ID] = d
	}
	s.mu.Unlock()

	go func() { _ = s.notifier.Notify(context.Background()) }()
}

// Add registers a new tool if it doesn't duplicate an existing ID.
// Returns true if added.
func (s *Set) Add(_ context.Context, def *Tool) bool {
	if def == nil || def.ID == "" {
		return false
	}
	s.mu.Lock()
	if s.tools == nil {
		s.tools = make(map[string]*Tool)
	}
	if _, exists := s.tools[def.ID]; exists {
		s.mu.Unlock()
		return false
	}
	s.tools[def.ID] = def
	s.order = append(s.order, def.ID)
	s.mu.Unlock()

	go func() { _ = s.notifier.Notify(context.Background()) }()
	return true
}

// Remove removes a tool by ID. Returns true if removed.
func (s *Set) Remove(_ context.Context, id string) bool {
	s.mu.Lock()
	if _, exists := s.tools[id]; !exists {
		s.mu.Unlock()
		return false
	}
	delete(s.tools, id)
	n := 0
	for _, existing := range s.order {
		if existing == id {
			continue
		}
		s.order[n] = existing
		n++
	}
	s.order = s.order[:n]
	s.mu.Unlock()

	go func() { _ = s.notifier.Notify(context.Background()) }()
	return true
}

// Get returns the tool registered under id.
func (s *Set) Get(id string) (*Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	return t, ok
}

// Snapshot returns the current tools in registration order.
func (s *Set) Snapshot() []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Tool, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tools[id])
	}
	return out
}

// Len returns the number of registered tools.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tools)
}

// Subscriber implements ChangeSubscriber by returning a per-subscriber channel
// that receives a signal whenever the tool set changes.
func (s *Set) Subscriber() <-chan struct{} {
	return s.notifier.Subscriber()
}

// Close shuts down change notifications. The catalog itself stays readable.
func (s *Set) Close() {
	s.notifier.Close()
}

// IDs returns the registered tool IDs in registration order.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (t *Tool) String() string {
	return fmt.Sprintf("tool %s", t.ID)
}
