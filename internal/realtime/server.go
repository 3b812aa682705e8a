package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agentdeck/internal/agent"
	"agentdeck/internal/fault"
	"agentdeck/internal/protocol"
	"agentdeck/internal/runconfig"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBufCap = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server exposes the WebSocket endpoint plus the pull-based REST reads.
// Push traffic flows through the hub by topic; after a reconnection gap a
// client resynchronizes from the REST snapshots, never from replay.
type Server struct {
	hub    *Hub
	agents *agent.Manager
	runs   *runconfig.Supervisor
	log    *zap.Logger
}

// NewServer creates a Server over the hub and both managers.
func NewServer(hub *Hub, agents *agent.Manager, runs *runconfig.Supervisor, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{hub: hub, agents: agents, runs: runs, log: log}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{projectID}", s.handleGetAgent)
	mux.HandleFunc("GET /api/agents/{projectID}/queue", s.handleGetQueue)
	mux.HandleFunc("POST /api/oneoffs", s.handleStartOneOff)
	mux.HandleFunc("GET /api/oneoffs/{id}", s.handleGetOneOff)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{configID}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{configID}/scrollback", s.handleGetScrollback)
	mux.HandleFunc("GET /api/runconfigs", s.handleListConfigs)
	mux.HandleFunc("PUT /api/runconfigs", s.handlePutConfig)
	mux.HandleFunc("DELETE /api/runconfigs/{configID}", s.handleDeleteConfig)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// conn is one accepted WebSocket connection. It implements Sender so the hub
// can fan events into its buffered send channel; a full buffer fails the
// send, which drops the subscription rather than blocking a session.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	server *Server
}

// Send queues one event for the write pump.
func (c *conn) Send(ev *protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fault.Wrap(fault.Transport, err, "encode event")
	}
	select {
	case <-c.done:
		return fault.New(fault.Transport, "client %s disconnected", c.id)
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fault.New(fault.Transport, "send buffer full for client %s", c.id)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:     uuid.New().String(),
		ws:     ws,
		send:   make(chan []byte, sendBufCap),
		done:   make(chan struct{}),
		server: s,
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads commands from the connection until it closes.
func (c *conn) readPump() {
	defer func() {
		close(c.done)
		c.server.hub.UnsubscribeAll(c.id)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug("websocket read error",
					zap.String("clientId", c.id), zap.Error(err))
			}
			return
		}
		c.server.handleCommand(c, message)
	}
}

// writePump writes queued events and keepalive pings until the connection
// or the send channel closes.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleCommand validates and dispatches one client command. Failures are
// reported back on the connection, never dropped silently.
func (s *Server) handleCommand(c *conn, raw []byte) {
	cmd, err := protocol.ValidateCommand(raw)
	if err != nil {
		s.sendError(c, "", string(fault.Validation), err.Error())
		return
	}

	switch cmd.Type {
	case protocol.TypeSubscribe:
		var p protocol.SubscribePayload
		json.Unmarshal(cmd.Payload, &p)
		s.hub.Subscribe(c.id, p.Topic, c)
		s.sendSnapshot(c, p.Topic)

	case protocol.TypeUnsubscribe:
		var p protocol.SubscribePayload
		json.Unmarshal(cmd.Payload, &p)
		s.hub.Unsubscribe(c.id, p.Topic)

	case protocol.TypeAgentStart:
		var p protocol.AgentStartPayload
		json.Unmarshal(cmd.Payload, &p)
		_, err := s.agents.Start(agent.StartOptions{
			ProjectID:      p.ProjectID,
			ProjectPath:    p.ProjectPath,
			Mode:           agent.Mode(p.Mode),
			InitialMessage: p.InitialMessage,
			Images:         p.Images,
			SessionID:      p.SessionID,
			PermissionMode: p.PermissionMode,
		})
		s.reportIfError(c, p.ProjectID, err)

	case protocol.TypeAgentStop:
		var p protocol.AgentStopPayload
		json.Unmarshal(cmd.Payload, &p)
		s.reportIfError(c, p.ProjectID, s.agents.Stop(p.ProjectID))

	case protocol.TypeAgentInput:
		var p protocol.AgentInputPayload
		json.Unmarshal(cmd.Payload, &p)
		s.reportIfError(c, p.ProjectID, s.agents.SendInput(p.ProjectID, p.Message, p.Images))

	case protocol.TypeAgentRemoveQueue:
		var p protocol.AgentRemoveQueuePayload
		json.Unmarshal(cmd.Payload, &p)
		s.reportIfError(c, p.ProjectID, s.agents.RemoveQueued(p.ProjectID, p.Index))

	case protocol.TypeAgentToolResult:
		var p protocol.AgentToolResultPayload
		json.Unmarshal(cmd.Payload, &p)
		s.reportIfError(c, p.ProjectID, s.agents.SendToolResult(p.ProjectID, p.ToolUseID, p.Content))

	case protocol.TypeRunStart:
		var p protocol.RunStartPayload
		json.Unmarshal(cmd.Payload, &p)
		s.reportIfError(c, p.ProjectID, s.runs.Start(p.ConfigID, p.ProjectPath))

	case protocol.TypeRunStop:
		var p protocol.RunStopPayload
		json.Unmarshal(cmd.Payload, &p)
		s.reportIfError(c, p.ProjectID, s.runs.Stop(p.ConfigID))
	}
}

// sendSnapshot pushes the current agent and run states for a topic to a
// freshly subscribed client so it starts from truth instead of a gap.
func (s *Server) sendSnapshot(c *conn, topic string) {
	if st, ok := s.agents.Status(topic); ok {
		s.sendStatusEvent(c, topic, st)
	} else if st, ok := s.agents.OneOffStatus(topic); ok {
		s.sendStatusEvent(c, topic, st)
	}
	for _, cfg := range s.runs.Registry().List(topic) {
		rs, ok := s.runs.Status(cfg.ID)
		if !ok {
			continue
		}
		ev, err := protocol.NewEvent(topic, protocol.KindRunState, protocol.RunStatePayload{
			ConfigID:     rs.ConfigID,
			State:        string(rs.State),
			PID:          rs.PID,
			RestartCount: rs.RestartCount,
			LastExitCode: rs.LastExitCode,
		})
		if err == nil {
			c.Send(ev)
		}
	}
}

func (s *Server) sendStatusEvent(c *conn, topic string, st agent.Status) {
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
	ev, err := protocol.NewEvent(topic, protocol.KindAgentState, payload)
	if err == nil {
		c.Send(ev)
	}
}

func (s *Server) reportIfError(c *conn, topic string, err error) {
	if err == nil {
		return
	}
	s.sendError(c, topic, faultCode(err), err.Error())
}

func (s *Server) sendError(c *conn, topic, code, message string) {
	ev, err := protocol.NewErrorEvent(topic, code, message)
	if err != nil {
		return
	}
	c.Send(ev)
}

// faultCode maps an error to its wire code.
func faultCode(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return "INTERNAL"
}

// REST handlers: pull-based snapshots for client resynchronization.

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.List())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	st, ok := s.agents.Status(projectID)
	if !ok {
		http.Error(w, "no session for project "+projectID, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	queue := s.agents.Queue(projectID)
	if queue == nil {
		queue = []agent.QueuedMessage{}
	}
	writeJSON(w, http.StatusOK, queue)
}

func (s *Server) handleStartOneOff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID       string   `json:"projectId"`
		ProjectPath     string   `json:"projectPath"`
		Message         string   `json:"message"`
		Images          []string `json:"images,omitempty"`
		StopWhenWaiting bool     `json:"stopWhenWaiting"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	st, err := s.agents.StartOneOff(agent.OneOffOptions{
		ProjectID:       req.ProjectID,
		ProjectPath:     req.ProjectPath,
		Message:         req.Message,
		Images:          req.Images,
		StopWhenWaiting: req.StopWhenWaiting,
	})
	if err != nil {
		http.Error(w, err.Error(), faultHTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetOneOff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.agents.OneOffStatus(id)
	if !ok {
		http.Error(w, "no one-off session "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.List())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	configID := r.PathValue("configID")
	st, ok := s.runs.Status(configID)
	if !ok {
		http.Error(w, "no instance for config "+configID, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetScrollback(w http.ResponseWriter, r *http.Request) {
	configID := r.PathValue("configID")
	writeJSON(w, http.StatusOK, struct {
		ConfigID string   `json:"configId"`
		Chunks   []string `json:"chunks"`
	}{ConfigID: configID, Chunks: s.runs.Scrollback(configID)})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.Registry().List(r.URL.Query().Get("projectId")))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg runconfig.RunConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.runs.Registry().Put(cfg); err != nil {
		http.Error(w, err.Error(), faultHTTPStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	// Deletion only affects future starts; a live instance keeps running
	// until stopped.
	s.runs.Registry().Delete(r.PathValue("configID"))
	w.WriteHeader(http.StatusNoContent)
}

func faultHTTPStatus(err error) int {
	switch {
	case fault.IsKind(err, fault.Validation):
		return http.StatusBadRequest
	case fault.IsKind(err, fault.Conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
