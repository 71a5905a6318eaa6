// Package commands implements the operator command surface. Commands are
// looked up in a dispatch table, so adding one is a single registration
// and help output always matches what is actually registered.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"lookout/pkg/logging"
)

// Handler executes one command. args excludes the command name itself.
type Handler func(ctx context.Context, args []string) (string, error)

// Command is one dispatch table entry.
type Command struct {
	Name        string
	Description string
	Handler     Handler
}

// ErrUnknownCommand is returned for names missing from the table.
var ErrUnknownCommand = fmt.Errorf("unknown command")

// Registry is the dispatch table. Registration happens at startup;
// execution is concurrent afterwards.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
	logger   logging.Logger
}

// NewRegistry creates a registry with the built-in help command.
func NewRegistry(logger logging.Logger) *Registry {
	r := &Registry{
		commands: make(map[string]Command),
		logger:   logger,
	}
	r.Register(Command{
		Name:        "help",
		Description: "list available commands",
		Handler: func(context.Context, []string) (string, error) {
			return r.helpText(), nil
		},
	})
	return r
}

// Register adds a command, replacing any previous entry with the same
// name.
func (r *Registry) Register(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute parses one input line and dispatches it. Unknown names get the
// help text appended so operators can self-correct.
func (r *Registry) Execute(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return r.helpText(), nil
	}
	name := strings.ToLower(fields[0])

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return r.helpText(), fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	r.logger.WithField("command", name).Debug("Executing operator command")
	return cmd.Handler(ctx, fields[1:])
}

func (r *Registry) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %-12s %s\n", name, r.commands[name].Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
