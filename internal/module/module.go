// Package module maps CDO command identifiers to handlers.
//
// A Module groups the commands of one module id (bits 8-15 of the command
// word). A Registry holds the registered modules and implements cdo.Table,
// so a Processor dispatches through it directly.
package module

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/cdo/internal/cdo"
)

// HandlerFunc adapts a function to cdo.Handler.
//
// Resumed slices are delivered through the same function with
// cmd.ProcessedLen > 0.
type HandlerFunc func(ctx context.Context, cmd *cdo.Command) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, cmd *cdo.Command) error {
	return f(ctx, cmd)
}

// ResumableFunc adapts a pair of functions to a handler that also
// implements cdo.Resumer.
type ResumableFunc struct {
	Start func(ctx context.Context, cmd *cdo.Command) error
	Next  func(ctx context.Context, cmd *cdo.Command) error
}

// Execute calls Start.
func (f ResumableFunc) Execute(ctx context.Context, cmd *cdo.Command) error {
	return f.Start(ctx, cmd)
}

// Resume calls Next.
func (f ResumableFunc) Resume(ctx context.Context, cmd *cdo.Command) error {
	return f.Next(ctx, cmd)
}

// Command is one operation of a module.
type Command struct {
	API     uint8
	Name    string
	Handler cdo.Handler
}

// Module is a set of commands sharing a module id.
type Module struct {
	ID       uint8
	Name     string
	Commands []Command
}

// Entry describes a registered command for listings.
type Entry struct {
	ID         uint16 `json:"id"`
	ModuleID   uint8  `json:"module_id"`
	APIID      uint8  `json:"api_id"`
	ModuleName string `json:"module"`
	Name       string `json:"name"`
	Resumable  bool   `json:"resumable"`
}

// Registry resolves (module, api) pairs to handlers.
//
// Registration normally happens once at startup; Lookup is safe to call
// concurrently with it.
type Registry struct {
	mu      sync.RWMutex
	modules map[uint8]*registered
}

type registered struct {
	name     string
	commands map[uint8]Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[uint8]*registered)}
}

// Register adds a module.
//
// Fails if the module id is already registered, if two commands share an
// api id, or if a command has no handler. Nothing is registered on failure.
func (r *Registry) Register(m Module) error {
	cmds := make(map[uint8]Command, len(m.Commands))
	for _, c := range m.Commands {
		if c.Handler == nil {
			return fmt.Errorf("module %d (%s): api %#02x has no handler", m.ID, m.Name, c.API)
		}
		if _, dup := cmds[c.API]; dup {
			return fmt.Errorf("module %d (%s): duplicate api %#02x", m.ID, m.Name, c.API)
		}
		cmds[c.API] = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, dup := r.modules[m.ID]; dup {
		return fmt.Errorf("module %d already registered as %q", m.ID, existing.name)
	}
	r.modules[m.ID] = &registered{name: m.Name, commands: cmds}
	return nil
}

// Lookup implements cdo.Table.
func (r *Registry) Lookup(moduleID, apiID uint8) (cdo.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[moduleID]
	if !ok {
		return nil, false
	}
	c, ok := m.commands[apiID]
	if !ok {
		return nil, false
	}
	return c.Handler, true
}

// Known reports whether a handler is registered for id.
func (r *Registry) Known(id uint16) bool {
	_, ok := r.Lookup(uint8(id>>8), uint8(id))
	return ok
}

// Name returns the name of a registered command, or "" if unknown.
func (r *Registry) Name(id uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[uint8(id>>8)]
	if !ok {
		return ""
	}
	return m.commands[uint8(id)].Name
}

// Resolve finds a command by module and command name.
func (r *Registry) Resolve(moduleName, name string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, m := range r.modules {
		if m.name != moduleName {
			continue
		}
		for api, c := range m.commands {
			if c.Name == name {
				return uint16(id)<<8 | uint16(api), true
			}
		}
	}
	return 0, false
}

// Describe lists every registered command ordered by id.
func (r *Registry) Describe() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for id, m := range r.modules {
		for api, c := range m.commands {
			_, resumable := c.Handler.(cdo.Resumer)
			out = append(out, Entry{
				ID:         uint16(id)<<8 | uint16(api),
				ModuleID:   id,
				APIID:      api,
				ModuleName: m.name,
				Name:       c.Name,
				Resumable:  resumable,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
