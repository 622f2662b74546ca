package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

const maxCommandBody = 8 << 20

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("GET /v1/backends", r.handleBackends)
	mux.HandleFunc("GET /v1/agents", r.handleAgents)
	mux.HandleFunc("GET /v1/history", r.handleHistory)
	mux.HandleFunc("POST /v1/commands", r.handleCommand)

	gw := r.cfg.Gateway
	mux.Handle(gw.WebSocketPath, gateway.NewWebSocket(r.orchestrator, gateway.Limits{
		CommandsPerSecond: gw.CommandsPerSecond,
		Burst:             gw.Burst,
		MaxMessageBytes:   gw.MaxMessageBytes,
	}, r.logger))
	return mux
}

func (r *Runtime) handleBackends(w http.ResponseWriter, _ *http.Request) {
	out := struct {
		Recognition []backend.Info `json:"recognition"`
		Synthesis   []backend.Info `json:"synthesis"`
	}{
		Recognition: r.recognition.Backends(),
		Synthesis:   []backend.Info{},
	}
	if r.synthesis != nil {
		out.Synthesis = r.synthesis.Backends()
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": r.agents.Agents()})
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := pipeline.History(req.Context(), r.store, limit)
	if err != nil {
		r.logger.Error("history query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if entries == nil {
		entries = []pipeline.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

type commandResponse struct {
	UtteranceID string              `json:"utterance_id"`
	Stage       pipeline.Stage      `json:"stage"`
	Text        string              `json:"text,omitempty"`
	Command     *router.Command     `json:"command,omitempty"`
	Success     bool                `json:"success"`
	Response    string              `json:"response_text,omitempty"`
	Audio       *tts.Result         `json:"audio,omitempty"`
	Error       string              `json:"error,omitempty"`
	Events      []protocol.Envelope `json:"events"`
}

// handleCommand runs one utterance synchronously and returns every event it
// produced alongside the outcome.
func (r *Runtime) handleCommand(w http.ResponseWriter, req *http.Request) {
	var cmd protocol.VoiceCommand
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxCommandBody))
	if err := dec.Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	preq, err := gateway.RequestFrom(cmd)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := &pipeline.Recorder{}
	out := r.orchestrator.Handle(req.Context(), preq, rec)
	resp := commandResponse{
		UtteranceID: out.UtteranceID,
		Stage:       out.Stage,
		Text:        out.Text,
		Success:     out.Err == nil && out.Result.Success,
		Response:    out.Response,
		Audio:       out.Audio,
		Events:      make([]protocol.Envelope, 0, len(rec.Events())),
	}
	if out.Command.Intent != "" {
		resp.Command = &out.Command
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	for _, e := range rec.Events() {
		resp.Events = append(resp.Events, e.Envelope())
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
