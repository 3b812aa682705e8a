package runconfig

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"agentdeck/internal/fault"
	"agentdeck/internal/proc"
	"agentdeck/internal/protocol"
)

const (
	defaultRestartDelay  = time.Second
	defaultMaxRetries    = 5
	defaultStopGrace     = 5 * time.Second
	defaultScrollbackCap = 512
)

// State is the lifecycle state of one supervised instance.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateErrored  State = "errored"
)

func (s State) terminal() bool { return s == StateStopped || s == StateErrored }

// Process is the slice of proc.Handle the supervisor needs. Injectable so
// tests script crashes and exits.
type Process interface {
	Output() <-chan []byte
	Exit() <-chan proc.ExitStatus
	Stop(grace time.Duration)
	PID() int
}

// Launcher starts a supervised process from a spec.
type Launcher func(spec proc.Spec) (Process, error)

func defaultLauncher(spec proc.Spec) (Process, error) {
	return proc.Launch(spec)
}

// Broadcaster fans events out to subscribed clients.
type Broadcaster interface {
	Broadcast(ev *protocol.Event)
}

// Status is the pull-based read shape for one instance.
type Status struct {
	ConfigID     string `json:"configId"`
	State        State  `json:"state"`
	PID          int    `json:"pid,omitempty"`
	RestartCount int    `json:"restartCount"`
	LastExitCode int    `json:"lastExitCode"`
}

// instance is the supervisor-private record for one live process slot.
type instance struct {
	cfg   RunConfig
	state State
	proc  Process

	restartCount int
	lastExitCode int

	// explicitStop marks a requested shutdown so the exit handler neither
	// restarts nor counts it as a crash.
	explicitStop bool

	restartTimer *time.Timer
	scroll       *ringBuffer
}

// Options configures a Supervisor. Zero values take the package defaults.
type Options struct {
	Registry      *Registry
	Launch        Launcher
	Hub           Broadcaster
	Logger        *zap.Logger
	StopGrace     time.Duration
	ScrollbackCap int
}

// Supervisor owns the live instances of declared run configurations: one
// slot per configuration, restart-on-crash within the retry budget, and
// pre-launch dependency ordering.
type Supervisor struct {
	mu        sync.Mutex
	instances map[string]*instance // configID → live slot

	registry  *Registry
	launch    Launcher
	hub       Broadcaster
	log       *zap.Logger
	grace     time.Duration
	scrollCap int
}

// NewSupervisor creates a Supervisor over the given registry.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Launch == nil {
		opts.Launch = defaultLauncher
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.ScrollbackCap <= 0 {
		opts.ScrollbackCap = defaultScrollbackCap
	}
	return &Supervisor{
		instances: make(map[string]*instance),
		registry:  opts.Registry,
		launch:    opts.Launch,
		hub:       opts.Hub,
		log:       opts.Logger,
		grace:     opts.StopGrace,
		scrollCap: opts.ScrollbackCap,
	}
}

// Registry exposes the configuration registry the supervisor runs from.
func (sv *Supervisor) Registry() *Registry { return sv.registry }

// Start launches the instance for a configuration, starting its pre-launch
// chain first, dependency-first. A predecessor already live is left alone.
// Starting an occupied slot is a conflict carrying the occupant's state.
// projectPath is the working directory for configs that do not pin a cwd.
func (sv *Supervisor) Start(configID, projectPath string) error {
	chain, err := sv.registry.chain(configID)
	if err != nil {
		return err
	}

	target := chain[len(chain)-1]
	for _, cfg := range chain[:len(chain)-1] {
		sv.mu.Lock()
		_, live := sv.liveLocked(cfg.ID)
		sv.mu.Unlock()
		if live {
			continue
		}
		if err := sv.startOne(cfg, projectPath, true); err != nil {
			return fault.Wrap(fault.ProcessLaunch, err, "pre-launch %s for %s", cfg.ID, configID)
		}
	}
	return sv.startOne(target, projectPath, false)
}

// liveLocked returns the non-terminal instance for a config, if any.
// Caller holds sv.mu.
func (sv *Supervisor) liveLocked(configID string) (*instance, bool) {
	inst, ok := sv.instances[configID]
	if !ok || inst.state.terminal() {
		return nil, false
	}
	return inst, true
}

// startOne claims the configuration's slot and spawns the process. A fresh
// explicit start always resets the restart counter.
func (sv *Supervisor) startOne(cfg RunConfig, projectPath string, asDependency bool) error {
	if cfg.Cwd == "" {
		cfg.Cwd = projectPath
	}
	sv.mu.Lock()
	if occ, live := sv.liveLocked(cfg.ID); live {
		st := occ.state
		sv.mu.Unlock()
		if asDependency {
			return nil
		}
		return fault.New(fault.Conflict, "run config %s already has a live instance", cfg.ID).
			WithState(string(st))
	}
	inst := &instance{
		cfg:    cfg,
		state:  StateStarting,
		scroll: newRingBuffer(sv.scrollCap),
	}
	sv.instances[cfg.ID] = inst
	sv.mu.Unlock()

	if err := sv.spawn(inst); err != nil {
		sv.mu.Lock()
		inst.state = StateErrored
		sv.mu.Unlock()
		sv.publishState(inst)
		return err
	}
	return nil
}

// spawn launches the process for an instance under a PTY so stdout and
// stderr arrive as one interleaved stream, then wires its monitors.
func (sv *Supervisor) spawn(inst *instance) error {
	cfg := inst.cfg
	spec := proc.Spec{
		Command: cfg.Command,
		Args:    cfg.Args,
		Dir:     cfg.Cwd,
		Env:     cfg.Env,
		UsePTY:  true,
	}
	if cfg.Shell {
		spec.Command = "sh"
		spec.Args = []string{"-c", cfg.Command}
	}

	h, err := sv.launch(spec)
	if err != nil {
		return fault.Wrap(fault.ProcessLaunch, err, "launch run config %s", cfg.ID)
	}

	sv.mu.Lock()
	if inst.explicitStop {
		// A stop raced the launch; kill immediately.
		sv.mu.Unlock()
		h.Stop(0)
		return nil
	}
	inst.proc = h
	inst.state = StateRunning
	sv.mu.Unlock()
	sv.publishState(inst)

	go sv.consumeOutput(inst, h)
	go sv.watchExit(inst, h)
	return nil
}

// consumeOutput forwards every interleaved chunk to the scrollback buffer
// and the hub until the process closes its output.
func (sv *Supervisor) consumeOutput(inst *instance, h Process) {
	for chunk := range h.Output() {
		inst.scroll.write(string(chunk))
		sv.emit(inst.cfg.ProjectID, protocol.KindRunOutput, protocol.RunOutputPayload{
			ConfigID: inst.cfg.ID,
			Data:     string(chunk),
		})
	}
}

// watchExit handles one process exit: a requested stop lands on stopped and
// clears the counter; a crash restarts after the configured delay until the
// retry budget is spent, then parks the slot on errored.
func (sv *Supervisor) watchExit(inst *instance, h Process) {
	status := <-h.Exit()

	sv.mu.Lock()
	if inst.proc != h {
		// A newer generation owns the slot.
		sv.mu.Unlock()
		return
	}
	inst.lastExitCode = status.Code

	if inst.explicitStop {
		inst.state = StateStopped
		inst.restartCount = 0
		sv.mu.Unlock()
		sv.publishState(inst)
		return
	}

	cfg := inst.cfg
	maxRetries := cfg.AutoRestartMaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if !cfg.AutoRestart || inst.restartCount >= maxRetries {
		count := inst.restartCount
		inst.state = StateErrored
		sv.mu.Unlock()
		sv.publishState(inst)
		sv.log.Warn("run config instance crashed, not restarting",
			zap.String("configId", cfg.ID),
			zap.Int("exitCode", status.Code),
			zap.Int("restartCount", count))
		return
	}

	inst.restartCount++
	attempt := inst.restartCount
	inst.state = StateStarting
	// The handle is dead; clear it so a stop during the restart window sees
	// there is no process to signal and lands directly on stopped.
	inst.proc = nil
	delay := time.Duration(cfg.AutoRestartDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = defaultRestartDelay
	}
	inst.restartTimer = time.AfterFunc(delay, func() { sv.restart(inst) })
	sv.mu.Unlock()

	sv.publishState(inst)
	sv.log.Info("run config instance crashed, restarting",
		zap.String("configId", cfg.ID),
		zap.Int("exitCode", status.Code),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

// restart relaunches a crashed instance unless a stop raced the timer.
func (sv *Supervisor) restart(inst *instance) {
	sv.mu.Lock()
	if inst.explicitStop || inst.state != StateStarting {
		sv.mu.Unlock()
		return
	}
	sv.mu.Unlock()

	if err := sv.spawn(inst); err != nil {
		sv.mu.Lock()
		inst.state = StateErrored
		sv.mu.Unlock()
		sv.publishState(inst)
		sv.log.Warn("run config restart failed",
			zap.String("configId", inst.cfg.ID), zap.Error(err))
	}
}

// Stop shuts the instance of a configuration down. Idempotent: stopping an
// absent or finished instance succeeds. The restart counter resets so the
// next start begins with a full budget.
func (sv *Supervisor) Stop(configID string) error {
	sv.mu.Lock()
	inst, ok := sv.instances[configID]
	if !ok || inst.state.terminal() {
		sv.mu.Unlock()
		return nil
	}
	inst.explicitStop = true
	if inst.restartTimer != nil {
		inst.restartTimer.Stop()
		inst.restartTimer = nil
	}
	h := inst.proc
	pendingRestart := inst.state == StateStarting && h == nil
	if pendingRestart {
		// Crashed and waiting on the restart timer; nothing to signal.
		inst.state = StateStopped
		inst.restartCount = 0
	} else {
		inst.state = StateStopping
	}
	sv.mu.Unlock()

	sv.publishState(inst)
	if !pendingRestart && h != nil {
		h.Stop(sv.grace)
	}
	return nil
}

// StopAll shuts down every live instance. Used on server shutdown.
func (sv *Supervisor) StopAll() {
	sv.mu.Lock()
	ids := make([]string, 0, len(sv.instances))
	for id := range sv.instances {
		ids = append(ids, id)
	}
	sv.mu.Unlock()
	for _, id := range ids {
		sv.Stop(id)
	}
}

// Status reports the instance slot of a configuration.
func (sv *Supervisor) Status(configID string) (Status, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	inst, ok := sv.instances[configID]
	if !ok {
		return Status{}, false
	}
	return sv.statusLocked(inst), true
}

// List snapshots every instance slot.
func (sv *Supervisor) List() []Status {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]Status, 0, len(sv.instances))
	for _, inst := range sv.instances {
		out = append(out, sv.statusLocked(inst))
	}
	return out
}

// Scrollback returns the retained recent output of an instance, oldest
// first, so late subscribers can catch up.
func (sv *Supervisor) Scrollback(configID string) []string {
	sv.mu.Lock()
	inst, ok := sv.instances[configID]
	sv.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.scroll.readAll()
}

func (sv *Supervisor) statusLocked(inst *instance) Status {
	st := Status{
		ConfigID:     inst.cfg.ID,
		State:        inst.state,
		RestartCount: inst.restartCount,
		LastExitCode: inst.lastExitCode,
	}
	if inst.proc != nil && !inst.state.terminal() {
		st.PID = inst.proc.PID()
	}
	return st
}

func (sv *Supervisor) publishState(inst *instance) {
	sv.mu.Lock()
	st := sv.statusLocked(inst)
	topic := inst.cfg.ProjectID
	sv.mu.Unlock()

	sv.emit(topic, protocol.KindRunState, protocol.RunStatePayload{
		ConfigID:     st.ConfigID,
		State:        string(st.State),
		PID:          st.PID,
		RestartCount: st.RestartCount,
		LastExitCode: st.LastExitCode,
	})
}

func (sv *Supervisor) emit(topic, kind string, payload interface{}) {
	if sv.hub == nil {
		return
	}
	ev, err := protocol.NewEvent(topic, kind, payload)
	if err != nil {
		sv.log.Warn("event encoding failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	sv.hub.Broadcast(ev)
}

// ringBuffer is a fixed-capacity circular buffer of output chunks. Late
// subscribers read it to catch up on recent output.
type ringBuffer struct {
	mu       sync.RWMutex
	buf      []string
	capacity int
	pos      int
	full     bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

func (rb *ringBuffer) write(chunk string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buf[rb.pos] = chunk
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

func (rb *ringBuffer) readAll() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if !rb.full {
		out := make([]string, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}
	out := make([]string, rb.capacity)
	copy(out, rb.buf[rb.pos:])
	copy(out[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return out
}
