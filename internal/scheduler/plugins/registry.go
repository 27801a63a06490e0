package plugins

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/stokerproject/stoker/internal/scheduler/configuration"
)

// Built-in job types. Both run the stock worker wrapper; it is expected to be
// on PATH unless configuration overrides the command.
var builtins = map[string][]string{
	"echo": {"stoker-job", "--machine", "echo"},
	"exec": {"stoker-job", "--machine", "exec"},
}

// Registry maps job types to the argv prefix that runs them. The scheduler
// appends two positional arguments on spawn: the params file path and the
// API base URL. Job types form a closed set; submissions naming an unknown
// type are rejected at validation time.
type Registry struct {
	commands map[string][]string
}

// NewRegistry merges the built-in job types with the configured ones.
// Configured entries win, so a deployment can replace the stock wrapper for
// a built-in type.
func NewRegistry(configured map[string]configuration.PluginConfig) *Registry {
	commands := make(map[string][]string, len(builtins)+len(configured))
	for jobType, command := range builtins {
		commands[jobType] = command
	}
	for jobType, plugin := range configured {
		commands[jobType] = plugin.Command
	}
	return &Registry{commands: commands}
}

// Lookup returns a copy of the argv prefix for the job type.
func (r *Registry) Lookup(jobType string) ([]string, bool) {
	command, ok := r.commands[jobType]
	if !ok {
		return nil, false
	}
	return slices.Clone(command), true
}

// Types returns the known job types in sorted order.
func (r *Registry) Types() []string {
	types := maps.Keys(r.commands)
	slices.Sort(types)
	return types
}
