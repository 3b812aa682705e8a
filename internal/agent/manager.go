package agent

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentdeck/internal/fault"
	"agentdeck/internal/proc"
	"agentdeck/internal/protocol"
	"agentdeck/internal/store"
)

const (
	defaultAgentCommand  = "claude"
	defaultQueueCapacity = 32
	defaultStopGrace     = 5 * time.Second
)

// Process is the slice of proc.Handle the manager needs. Injectable so tests
// drive sessions with scripted output and exits.
type Process interface {
	Write(data []byte) error
	Output() <-chan []byte
	Exit() <-chan proc.ExitStatus
	Stop(grace time.Duration)
	PID() int
}

// Launcher starts an agent process from a spec.
type Launcher func(spec proc.Spec) (Process, error)

func defaultLauncher(spec proc.Spec) (Process, error) {
	return proc.Launch(spec)
}

// Broadcaster fans events out to subscribed clients.
type Broadcaster interface {
	Broadcast(ev *protocol.Event)
}

// Options configures a Manager. Zero values take the package defaults.
type Options struct {
	Command       string
	QueueCapacity int
	StopGrace     time.Duration
	Launch        Launcher
	Recorder      store.Recorder
	Hub           Broadcaster
	Logger        *zap.Logger
}

// StartOptions describes a session to start. Mode must be autonomous or
// interactive; one-off sessions go through StartOneOff instead.
type StartOptions struct {
	ProjectID      string
	ProjectPath    string
	Mode           Mode
	InitialMessage string
	Images         []string
	// SessionID resumes a prior conversation instead of starting fresh.
	SessionID      string
	PermissionMode string
}

// OneOffOptions describes an independent one-off session.
type OneOffOptions struct {
	ProjectID   string // informational only, no exclusivity claim
	ProjectPath string
	Message     string
	Images      []string
	// StopWhenWaiting tears the session down after its first turn completes.
	StopWhenWaiting bool
}

// Manager owns every agent session on this node. At most one autonomous or
// interactive session runs per project; one-off sessions are unlimited and
// addressed by their own id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session // projectID → exclusive session
	oneOffs  map[string]*session // session id → one-off session

	command  string
	queueCap int
	grace    time.Duration
	launch   Launcher
	recorder store.Recorder
	hub      Broadcaster
	log      *zap.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Command == "" {
		opts.Command = defaultAgentCommand
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.Launch == nil {
		opts.Launch = defaultLauncher
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*session),
		oneOffs:  make(map[string]*session),
		command:  opts.Command,
		queueCap: opts.QueueCapacity,
		grace:    opts.StopGrace,
		launch:   opts.Launch,
		recorder: opts.Recorder,
		hub:      opts.Hub,
		log:      opts.Logger,
	}
}

// Start launches the exclusive session for a project. A second start while
// one is live fails with a conflict carrying the occupant's state; callers
// must stop the occupant first.
func (m *Manager) Start(opts StartOptions) (Status, error) {
	if opts.ProjectID == "" {
		return Status{}, fault.New(fault.Validation, "projectId is required")
	}
	if opts.Mode != ModeAutonomous && opts.Mode != ModeInteractive {
		return Status{}, fault.New(fault.Validation, "mode must be %q or %q", ModeAutonomous, ModeInteractive)
	}

	m.mu.Lock()
	if existing, ok := m.sessions[opts.ProjectID]; ok && !existing.state.terminal() {
		st := existing.state
		m.mu.Unlock()
		return Status{}, fault.New(fault.Conflict,
			"project %s already has a %s session", opts.ProjectID, existing.mode).
			WithState(string(st))
	}

	s := &session{
		id:             uuid.New().String(),
		projectID:      opts.ProjectID,
		mode:           opts.Mode,
		state:          StateStarting,
		externalID:     opts.SessionID,
		parser:         NewStreamParser(),
		pendingTools:   make(map[string]bool),
		createdAt:      time.Now().UTC(),
		lastActivityAt: time.Now().UTC(),
	}
	m.sessions[opts.ProjectID] = s
	m.mu.Unlock()

	if err := m.spawn(s, opts.ProjectPath, opts.SessionID, opts.PermissionMode); err != nil {
		m.failSpawn(s, err)
		return Status{}, err
	}

	if opts.InitialMessage != "" {
		// The first message opens the turn; it never waits behind the queue.
		if err := m.deliver(s, opts.InitialMessage, opts.Images); err != nil {
			m.log.Warn("initial message not delivered",
				zap.String("projectId", opts.ProjectID), zap.Error(err))
		}
	}

	m.mu.Lock()
	st := s.status()
	m.mu.Unlock()
	return st, nil
}

// StartOneOff launches an independent single-task session. It never contends
// for the project's exclusive slot and is addressed by the returned id.
func (m *Manager) StartOneOff(opts OneOffOptions) (Status, error) {
	if opts.Message == "" {
		return Status{}, fault.New(fault.Validation, "message is required")
	}

	s := &session{
		id:              uuid.New().String(),
		projectID:       opts.ProjectID,
		mode:            ModeOneOff,
		state:           StateStarting,
		parser:          NewStreamParser(),
		pendingTools:    make(map[string]bool),
		stopWhenWaiting: opts.StopWhenWaiting,
		createdAt:       time.Now().UTC(),
		lastActivityAt:  time.Now().UTC(),
	}
	m.mu.Lock()
	m.oneOffs[s.id] = s
	m.mu.Unlock()

	if err := m.spawn(s, opts.ProjectPath, "", ""); err != nil {
		m.failSpawn(s, err)
		return Status{}, err
	}

	if err := m.deliver(s, opts.Message, opts.Images); err != nil {
		m.log.Warn("one-off message not delivered", zap.String("id", s.id), zap.Error(err))
	}

	m.mu.Lock()
	st := s.status()
	m.mu.Unlock()
	return st, nil
}

// spawn launches the agent process for s and wires its output and exit
// monitors. Transitions s to running on success.
func (m *Manager) spawn(s *session, dir, resumeID, permissionMode string) error {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	if permissionMode != "" {
		args = append(args, "--permission-mode", permissionMode)
	}

	h, err := m.launch(proc.Spec{
		Command: m.command,
		Args:    args,
		Dir:     dir,
	})
	if err != nil {
		return fault.Wrap(fault.ProcessLaunch, err, "launch agent for %s", s.topic())
	}

	m.mu.Lock()
	if s.explicitStop {
		// A stop raced the launch; kill immediately.
		m.mu.Unlock()
		h.Stop(0)
		return nil
	}
	s.proc = h
	s.state = StateRunning
	s.lastActivityAt = time.Now().UTC()
	m.mu.Unlock()
	m.publishState(s)

	go m.consumeOutput(s, h)
	go m.watchExit(s, h)
	return nil
}

// consumeOutput reads raw chunks until the process closes its output,
// classifying records and applying their state effects.
func (m *Manager) consumeOutput(s *session, h Process) {
	for chunk := range h.Output() {
		for _, ev := range s.parser.Feed(chunk) {
			m.applyStreamEvent(s, ev)
		}
	}
	for _, ev := range s.parser.Flush() {
		m.applyStreamEvent(s, ev)
	}
}

// applyStreamEvent persists, broadcasts, and applies the transitions one
// classified record implies.
func (m *Manager) applyStreamEvent(s *session, ev StreamEvent) {
	m.mu.Lock()
	s.lastActivityAt = time.Now().UTC()

	switch ev.Kind {
	case EventSessionInit:
		if ev.SessionID != "" {
			s.externalID = ev.SessionID
		}

	case EventToolStarted:
		if ev.ToolUseID != "" {
			s.pendingTools[ev.ToolUseID] = true
		}

	case EventToolResult:
		delete(s.pendingTools, ev.ToolUseID)

	case EventTurnResult:
		if ev.SessionID != "" {
			s.externalID = ev.SessionID
		}
		if s.costSummary == nil {
			s.costSummary = &CostSummary{}
		}
		s.costSummary.TotalCostUSD += ev.CostUSD
		s.costSummary.TotalTokens += ev.Tokens
	}
	if ev.Usage != nil {
		cu := *ev.Usage
		s.contextUsage = &cu
	}

	topic := s.topic()
	sessionID := s.externalID
	turnDone := ev.Kind == EventTurnResult && !s.state.terminal() && s.state != StateStopping
	m.mu.Unlock()

	m.persist(topic, sessionID, ev)
	m.emit(topic, protocol.KindAgentEvent, ev)

	if turnDone {
		m.onTurnComplete(s)
	}
}

// onTurnComplete moves the session to waiting_for_input, then immediately
// drains the queue head if one is waiting, or tears the session down when
// one-off auto-stop was requested.
func (m *Manager) onTurnComplete(s *session) {
	m.mu.Lock()
	if s.state.terminal() || s.state == StateStopping {
		m.mu.Unlock()
		return
	}
	s.state = StateWaitingForInput

	var next *QueuedMessage
	if len(s.queue) > 0 {
		qm := s.queue[0]
		s.queue = s.queue[1:]
		next = &qm
		s.state = StateRunning
	}
	autoStop := next == nil && s.stopWhenWaiting
	m.mu.Unlock()

	m.publishState(s)

	if next != nil {
		m.publishQueue(s)
		if err := m.writeInput(s, next.Content, next.Images); err != nil {
			m.log.Warn("queued message not delivered",
				zap.String("topic", s.topic()), zap.Error(err))
		}
		return
	}
	if autoStop {
		m.stopSession(s)
	}
}

// watchExit reaps the process exit and applies the terminal transition.
// A requested stop lands on stopped; anything else is a crash.
func (m *Manager) watchExit(s *session, h Process) {
	status := <-h.Exit()

	m.mu.Lock()
	discarded := len(s.queue)
	s.queue = nil
	s.lastActivityAt = time.Now().UTC()
	if s.explicitStop {
		s.state = StateStopped
	} else {
		s.state = StateErrored
		s.lastError = "agent process exited unexpectedly (code " + strconv.Itoa(status.Code) + ")"
	}
	m.mu.Unlock()

	if discarded > 0 {
		m.log.Info("discarding queued input on session end",
			zap.String("topic", s.topic()), zap.Int("count", discarded))
		m.publishQueue(s)
	}
	m.publishState(s)
}

// Stop requests the exclusive session of a project to shut down. Always
// idempotent: stopping an absent or already-stopped session succeeds.
func (m *Manager) Stop(projectID string) error {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.stopSession(s)
	return nil
}

// StopOneOff shuts down a one-off session by id. Idempotent.
func (m *Manager) StopOneOff(id string) error {
	m.mu.Lock()
	s, ok := m.oneOffs[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.stopSession(s)
	return nil
}

func (m *Manager) stopSession(s *session) {
	m.mu.Lock()
	if s.state.terminal() || s.state == StateStopping {
		m.mu.Unlock()
		return
	}
	s.explicitStop = true
	h := s.proc
	if h == nil {
		// The launch has not landed yet; spawn kills the raced handle when it
		// does. Nothing to signal, so the stop completes here.
		s.state = StateStopped
		m.mu.Unlock()
		m.publishState(s)
		return
	}
	s.state = StateStopping
	m.mu.Unlock()

	m.publishState(s)
	h.Stop(m.grace)
}

// SendInput delivers a message to the project's exclusive session, or queues
// it when the agent is mid-turn. A full queue is a visible error; nothing is
// dropped silently.
func (m *Manager) SendInput(projectID, message string, images []string) error {
	if message == "" {
		return fault.New(fault.Validation, "message is required")
	}

	m.mu.Lock()
	s, ok := m.lookupLocked(projectID)
	if !ok || s.state.terminal() {
		m.mu.Unlock()
		return fault.New(fault.Validation, "no live session for project %s", projectID)
	}
	if s.mode == ModeAutonomous {
		m.mu.Unlock()
		return fault.New(fault.Validation, "autonomous session for project %s does not accept input", projectID)
	}
	if s.state == StateStopping {
		m.mu.Unlock()
		return fault.New(fault.Conflict, "session for project %s is stopping", projectID)
	}

	if s.state == StateWaitingForInput {
		s.state = StateRunning
		s.lastActivityAt = time.Now().UTC()
		m.mu.Unlock()
		m.publishState(s)
		return m.writeInput(s, message, images)
	}

	if len(s.queue) >= m.queueCap {
		m.mu.Unlock()
		return fault.New(fault.Validation, "input queue full (%d messages)", m.queueCap)
	}
	s.queue = append(s.queue, QueuedMessage{
		Index:   s.nextIndex,
		Content: message,
		Images:  images,
	})
	s.nextIndex++
	m.mu.Unlock()

	m.publishQueue(s)
	return nil
}

// RemoveQueued deletes a pending message by its original insertion index.
func (m *Manager) RemoveQueued(projectID string, index int) error {
	m.mu.Lock()
	s, ok := m.lookupLocked(projectID)
	if !ok || s.state.terminal() {
		m.mu.Unlock()
		return fault.New(fault.Validation, "no live session for project %s", projectID)
	}
	found := false
	for i, qm := range s.queue {
		if qm.Index == index {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return fault.New(fault.Validation, "no queued message with index %d", index)
	}
	m.publishQueue(s)
	return nil
}

// SendToolResult routes a tool result to the session that issued the
// invocation. Results for unknown invocation ids are ignored so a stale
// client cannot corrupt the conversation.
func (m *Manager) SendToolResult(projectID, toolUseID, content string) error {
	m.mu.Lock()
	s, ok := m.lookupLocked(projectID)
	if !ok || s.state.terminal() {
		m.mu.Unlock()
		return fault.New(fault.Validation, "no live session for project %s", projectID)
	}
	if !s.pendingTools[toolUseID] {
		m.mu.Unlock()
		m.log.Debug("ignoring tool result for unknown invocation",
			zap.String("projectId", projectID), zap.String("toolUseId", toolUseID))
		return nil
	}
	delete(s.pendingTools, toolUseID)
	m.mu.Unlock()

	msg := streamInput{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = []contentBlock{{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   content,
	}}
	return m.writeJSON(s, msg)
}

// deliver sends a message now, without queue consideration. Used for the
// first message of a fresh session.
func (m *Manager) deliver(s *session, message string, images []string) error {
	return m.writeInput(s, message, images)
}

// lookupLocked resolves a topic to a session, checking the exclusive
// per-project slots first and the one-off table second. Caller holds m.mu.
func (m *Manager) lookupLocked(topic string) (*session, bool) {
	if s, ok := m.sessions[topic]; ok {
		return s, true
	}
	s, ok := m.oneOffs[topic]
	return s, ok
}

// failSpawn records a launch failure on the session so a status read after a
// failed start reports errored instead of not-found.
func (m *Manager) failSpawn(s *session, err error) {
	m.mu.Lock()
	s.state = StateErrored
	s.lastError = err.Error()
	s.lastActivityAt = time.Now().UTC()
	m.mu.Unlock()
	m.publishState(s)
}

// Status reports the exclusive session of a project.
func (m *Manager) Status(projectID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	if !ok {
		return Status{}, false
	}
	return s.status(), true
}

// OneOffStatus reports a one-off session by id.
func (m *Manager) OneOffStatus(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.oneOffs[id]
	if !ok {
		return Status{}, false
	}
	return s.status(), true
}

// Queue snapshots the pending messages for a project, in delivery order.
func (m *Manager) Queue(projectID string) []QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	if !ok {
		return nil
	}
	out := make([]QueuedMessage, len(s.queue))
	copy(out, s.queue)
	return out
}

// List snapshots every session, exclusive and one-off.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions)+len(m.oneOffs))
	for _, s := range m.sessions {
		out = append(out, s.status())
	}
	for _, s := range m.oneOffs {
		out = append(out, s.status())
	}
	return out
}

// IsWaitingForInput reports whether the project's session is ready for a
// message right now.
func (m *Manager) IsWaitingForInput(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	return ok && s.state == StateWaitingForInput
}

// IsRunning reports whether the project has a live (non-terminal) session.
func (m *Manager) IsRunning(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	return ok && !s.state.terminal()
}

// SessionID returns the external conversation id of the project's session,
// usable for resumption after the session ends.
func (m *Manager) SessionID(projectID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[projectID]; ok {
		return s.externalID
	}
	return ""
}

// State returns the lifecycle state of the project's session.
func (m *Manager) State(projectID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	if !ok {
		return "", false
	}
	return s.state, true
}

// StopAll shuts down every live session. Used on server shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions)+len(m.oneOffs))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	for _, s := range m.oneOffs {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.stopSession(s)
	}
}

// streamInput is the stdin record shape the agent process consumes.
type streamInput struct {
	Type    string `json:"type"`
	Message struct {
		Role    string         `json:"role"`
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type      string       `json:"type"`
	Text      string       `json:"text,omitempty"`
	ToolUseID string       `json:"tool_use_id,omitempty"`
	Content   string       `json:"content,omitempty"`
	Source    *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (m *Manager) writeInput(s *session, message string, images []string) error {
	msg := streamInput{Type: "user"}
	msg.Message.Role = "user"
	for _, img := range images {
		msg.Message.Content = append(msg.Message.Content, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: "image/png",
				Data:      img,
			},
		})
	}
	msg.Message.Content = append(msg.Message.Content, contentBlock{
		Type: "text",
		Text: message,
	})
	return m.writeJSON(s, msg)
}

func (m *Manager) writeJSON(s *session, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fault.Wrap(fault.Validation, err, "encode input record")
	}
	m.mu.Lock()
	h := s.proc
	m.mu.Unlock()
	if h == nil {
		return fault.New(fault.Validation, "session has no process")
	}
	if err := h.Write(append(data, '\n')); err != nil {
		return fault.Wrap(fault.ProcessCrash, err, "write to agent stdin")
	}
	return nil
}

func (m *Manager) persist(topic, sessionID string, ev StreamEvent) {
	if m.recorder == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	rec := store.Record{
		ProjectID: topic,
		SessionID: sessionID,
		Kind:      string(ev.Kind),
		Payload:   payload,
		At:        time.Now().UTC(),
	}
	if err := m.recorder.Append(rec); err != nil {
		m.log.Warn("record append failed", zap.String("topic", topic), zap.Error(err))
	}
}

// publishState broadcasts the session's current status snapshot.
func (m *Manager) publishState(s *session) {
	m.mu.Lock()
	st := s.status()
	topic := s.topic()
	m.mu.Unlock()

	payload := protocol.AgentStatePayload{
		Mode:               string(st.Mode),
		State:              string(st.State),
		SessionID:          st.SessionID,
		QueuedMessageCount: st.QueuedMessageCount,
		Error:              st.Error,
	}
	if st.ContextUsage != nil {
		payload.ContextUsage = &protocol.ContextUsage{Used: st.ContextUsage.Used, Total: st.ContextUsage.Total}
	}
	if st.CostSummary != nil {
		payload.CostSummary = &protocol.CostSummary{
			TotalCostUSD: st.CostSummary.TotalCostUSD,
			TotalTokens:  st.CostSummary.TotalTokens,
		}
	}
	m.emit(topic, protocol.KindAgentState, payload)
}

// publishQueue broadcasts the queue snapshot after any change.
func (m *Manager) publishQueue(s *session) {
	m.mu.Lock()
	topic := s.topic()
	queue := make([]QueuedMessage, len(s.queue))
	copy(queue, s.queue)
	m.mu.Unlock()

	m.emit(topic, protocol.KindAgentQueue, struct {
		Queue []QueuedMessage `json:"queue"`
	}{Queue: queue})
}

func (m *Manager) emit(topic, kind string, payload interface{}) {
	if m.hub == nil {
		return
	}
	ev, err := protocol.NewEvent(topic, kind, payload)
	if err != nil {
		m.log.Warn("event encoding failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	m.hub.Broadcast(ev)
}
