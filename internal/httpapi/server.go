package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/largeweb/skapp/internal/agent"
	"github.com/largeweb/skapp/internal/dispatch"
	"github.com/largeweb/skapp/internal/engine"
	"github.com/largeweb/skapp/internal/event"
	"github.com/largeweb/skapp/internal/stats"
	"github.com/largeweb/skapp/internal/subscribers/stream"
	"github.com/largeweb/skapp/internal/toolcall"
	"github.com/largeweb/skapp/internal/tools"
)

const maxRequestBytes int64 = 1 << 20

// TurnTrigger enqueues a turn cycle. Satisfied by *engine.Service.
type TurnTrigger interface {
	TriggerTurn(ctx context.Context, agentID, reason string) error
}

type server struct {
	logger     *log.Logger
	agents     *agent.Store
	executor   *tools.Executor
	engine     TurnTrigger
	stats      *stats.Reducer
	hub        *stream.Hub
	dispatcher *dispatch.Dispatcher
}

func NewServer(logger *log.Logger, addr string, agents *agent.Store, executor *tools.Executor, eng TurnTrigger, reducer *stats.Reducer, hub *stream.Hub, dispatcher *dispatch.Dispatcher) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(logger, agents, executor, eng, reducer, hub, dispatcher),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// NewHandler wires the route table; split out from NewServer so tests can
// mount it on an httptest server.
func NewHandler(logger *log.Logger, agents *agent.Store, executor *tools.Executor, eng TurnTrigger, reducer *stats.Reducer, hub *stream.Hub, dispatcher *dispatch.Dispatcher) http.Handler {
	s := &server{
		logger:     logger,
		agents:     agents,
		executor:   executor,
		engine:     eng,
		stats:      reducer,
		hub:        hub,
		dispatcher: dispatcher,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/agents/{id}/check-availability", s.handleCheckAvailability)
	mux.HandleFunc("POST /v1/agents/{id}", s.handleCreateAgent)
	mux.HandleFunc("POST /v1/agents/{id}/initialize", s.handleInitialize)
	mux.HandleFunc("POST /v1/agents/{id}/mode", s.handleSetMode)
	mux.HandleFunc("POST /v1/agents/{id}/turn", s.handleTriggerTurn)
	mux.HandleFunc("POST /v1/process-tool", s.handleProcessTool)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/events/ws", s.handleEventsWS)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	availability, err := s.agents.Availability(r.Context(), agentID)
	if err != nil {
		if isValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Printf("availability check failed agent_id=%s err=%v", agentID, err)
		http.Error(w, "availability check failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

type createAgentRequest struct {
	Mode       string `json:"mode"`
	TurnPrompt string `json:"turnPrompt"`
}

func (s *server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req createAgentRequest
	if r.ContentLength != 0 {
		if !decodeJSONBody(w, r, &req) {
			return
		}
	}

	mode := agent.ModeDormant
	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "":
	case string(agent.ModeDormant):
	case string(agent.ModeAwake):
		mode = agent.ModeAwake
	default:
		http.Error(w, fmt.Sprintf("unsupported mode %q", req.Mode), http.StatusBadRequest)
		return
	}

	rec, err := s.agents.Create(r.Context(), agentID, mode, req.TurnPrompt)
	if err != nil {
		if errors.Is(err, agent.ErrExists) {
			http.Error(w, "agent id already taken", http.StatusConflict)
			return
		}
		if isValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Printf("agent create failed agent_id=%s err=%v", agentID, err)
		http.Error(w, "agent create failed", http.StatusInternalServerError)
		return
	}
	s.dispatch(r.Context(), event.New(event.TypeAgentCreated, agentID, map[string]any{"mode": string(rec.Mode)}))
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	result, err := s.agents.Initialize(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		if isValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Printf("agent initialize failed agent_id=%s err=%v", agentID, err)
		http.Error(w, "agent initialize failed", http.StatusInternalServerError)
		return
	}
	s.dispatch(r.Context(), event.New(event.TypeAgentInitialized, agentID, map[string]any{
		"prior_turns": result.Before.TurnsCount,
	}))
	writeJSON(w, http.StatusOK, result)
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func (s *server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req setModeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	mode := agent.Mode(strings.ToLower(strings.TrimSpace(req.Mode)))
	rec, err := s.agents.SetMode(r.Context(), agentID, mode)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		if isValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Printf("agent mode change failed agent_id=%s err=%v", agentID, err)
		http.Error(w, "agent mode change failed", http.StatusInternalServerError)
		return
	}
	s.dispatch(r.Context(), event.New(event.TypeAgentModeChanged, agentID, map[string]any{"mode": string(rec.Mode)}))
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleTriggerTurn(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	availability, err := s.agents.Availability(r.Context(), agentID)
	if err != nil {
		if isValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Printf("turn trigger lookup failed agent_id=%s err=%v", agentID, err)
		http.Error(w, "turn trigger failed", http.StatusInternalServerError)
		return
	}
	if !availability.Exists {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	if err := s.engine.TriggerTurn(r.Context(), agentID, "http"); err != nil {
		if errors.Is(err, engine.ErrQueueFull) {
			http.Error(w, "turn queue full", http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "agent_id": agentID})
}

type processToolRequest struct {
	AgentID string          `json:"agentId"`
	ToolID  string          `json:"toolId"`
	Params  json.RawMessage `json:"params"`
}

type processToolResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

func (s *server) handleProcessTool(w http.ResponseWriter, r *http.Request) {
	var req processToolRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.AgentID) == "" {
		writeJSON(w, http.StatusBadRequest, processToolResponse{Success: false, Error: "agentId is required"})
		return
	}
	if strings.TrimSpace(req.ToolID) == "" {
		writeJSON(w, http.StatusBadRequest, processToolResponse{Success: false, Error: "toolId is required"})
		return
	}

	params, err := decodeOrderedParams(req.Params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, processToolResponse{Success: false, Error: fmt.Sprintf("invalid params: %v", err)})
		return
	}

	call := toolcall.Call{ToolID: req.ToolID, Params: params}
	results, err := s.executor.ExecuteBatch(r.Context(), req.AgentID, []toolcall.Call{call})
	if err != nil {
		s.logger.Printf("process tool failed agent_id=%s tool_id=%s err=%v", req.AgentID, req.ToolID, err)
		writeJSON(w, http.StatusInternalServerError, processToolResponse{Success: false, Error: "storage failure"})
		return
	}
	result := results[0]

	// Failed calls append their formatted line too; only a missing agent
	// leaves no record to append to.
	if result.ErrorKind != tools.KindAgentNotFound {
		if _, err := s.agents.ApplyToolOutcomes(r.Context(), req.AgentID, []agent.ToolOutcome{result.Outcome()}); err != nil && !errors.Is(err, agent.ErrNotFound) {
			s.logger.Printf("apply tool outcome failed agent_id=%s tool_id=%s err=%v", req.AgentID, req.ToolID, err)
			writeJSON(w, http.StatusInternalServerError, processToolResponse{Success: false, Error: "storage failure"})
			return
		}
	}

	if !result.Success {
		writeJSON(w, statusForErrorKind(result.ErrorKind), processToolResponse{
			Success: false,
			Result:  result.Formatted,
			Error:   result.ResultText,
		})
		return
	}

	writeJSON(w, http.StatusOK, processToolResponse{Success: true, Result: result.Formatted})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.stats.Compute(r.Context())
	if err != nil {
		s.logger.Printf("stats compute failed err=%v", err)
		http.Error(w, "stats compute failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event stream not configured", http.StatusNotImplemented)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("events ws upgrade failed: %v", err)
		return
	}
	s.hub.Add(conn)
}

func (s *server) dispatch(ctx context.Context, evt event.Envelope) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, evt)
	}
}

func statusForErrorKind(kind tools.ErrorKind) int {
	switch kind {
	case tools.KindAgentNotFound:
		return http.StatusNotFound
	case tools.KindTimeout:
		return http.StatusRequestTimeout
	case tools.KindUnknownTool, tools.KindInvalidParams, tools.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeOrderedParams reads a JSON object into an ordered parameter list.
// Key order is significant downstream: formatted result lines render
// parameters in the order the caller supplied them, so a plain map decode
// would lose information.
func decodeOrderedParams(raw json.RawMessage) ([]toolcall.Param, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("params must be an object")
	}

	var params []toolcall.Param
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("params must have string keys")
		}

		valTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		value, err := paramValue(valTok)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", key, err)
		}
		params = append(params, toolcall.Param{Name: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return params, nil
}

func paramValue(tok json.Token) (toolcall.Value, error) {
	switch v := tok.(type) {
	case string:
		return toolcall.String(v), nil
	case json.Number:
		if n, err := strconv.Atoi(v.String()); err == nil {
			return toolcall.Int(n), nil
		}
		return toolcall.String(v.String()), nil
	case bool:
		return toolcall.String(strconv.FormatBool(v)), nil
	case nil:
		return toolcall.String(""), nil
	default:
		return toolcall.Value{}, errors.New("value must be a scalar")
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}

func isValidationError(err error) bool {
	return errors.Is(err, agent.ErrInvalidID) || errors.Is(err, agent.ErrInvalidMode)
}
