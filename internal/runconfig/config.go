// Package runconfig supervises named development processes (dev servers,
// watchers, test loops) declared as run configurations. At most one live
// instance exists per configuration; crashed instances restart automatically
// within their retry budget, and a configuration can name a pre-launch
// dependency that is started first.
package runconfig

import (
	"sync"

	"agentdeck/internal/fault"
)

// RunConfig declares one supervised process.
type RunConfig struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId"`
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	// Shell runs Command through "sh -c" so pipelines and expansions work.
	Shell bool `json:"shell,omitempty"`

	AutoRestart           bool `json:"autoRestart"`
	AutoRestartDelayMs    int  `json:"autoRestartDelayMs,omitempty"`
	AutoRestartMaxRetries int  `json:"autoRestartMaxRetries,omitempty"`

	// PreLaunchConfigID names a configuration started before this one.
	PreLaunchConfigID string `json:"preLaunchConfigId,omitempty"`
}

// Registry holds the declared configurations, keyed by id.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]RunConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]RunConfig)}
}

// Put declares or replaces a configuration.
func (r *Registry) Put(cfg RunConfig) error {
	if cfg.ID == "" {
		return fault.New(fault.Validation, "run config id is required")
	}
	if cfg.Command == "" {
		return fault.New(fault.Validation, "run config %s has no command", cfg.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cfg
	return nil
}

// Get looks up a configuration by id.
func (r *Registry) Get(id string) (RunConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// Delete removes a configuration. The supervisor stops any live instance
// separately; deletion only affects future starts.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, id)
}

// List snapshots every declared configuration for one project, or all of
// them when projectID is empty.
func (r *Registry) List(projectID string) []RunConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		if projectID == "" || cfg.ProjectID == projectID {
			out = append(out, cfg)
		}
	}
	return out
}

// chain resolves the pre-launch chain for id, dependency-first, rejecting
// unknown references and cycles before anything is started.
func (r *Registry) chain(id string) ([]RunConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var order []RunConfig
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		if seen[cur] {
			return nil, fault.New(fault.Validation, "pre-launch cycle through config %s", cur)
		}
		seen[cur] = true
		cfg, ok := r.configs[cur]
		if !ok {
			return nil, fault.New(fault.Validation, "unknown run config %s", cur)
		}
		order = append([]RunConfig{cfg}, order...)
		cur = cfg.PreLaunchConfigID
	}
	return order, nil
}
