package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

type HealthResponse struct {
	Term     uint64 `json:"term"`
	State    string `json:"state"`
	IsLeader bool   `json:"isLeader"`
	Leader   string `json:"leader,omitempty"`
}

type HTTPHandler struct {
	server *Server
	logger *slog.Logger
}

func NewHTTPHandler(server *Server, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{server: server, logger: logger}
}

func (h *HTTPHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/append", h.handleAppend)
	mux.HandleFunc("/request_vote", h.handleRequestVote)
	mux.HandleFunc("/command", h.handleCommand)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/logs", h.handleLogs)
}

func (h *HTTPHandler) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, r, h.server.HandleAppend(req))
}

func (h *HTTPHandler) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var vote = h.server.HandleRequestVote(req)
	h.logger.Debug("vote request served",
		"request_id", r.Header.Get(requestIDHeader),
		"candidate", req.Candidate.String(),
		"granted", vote.Granted,
	)

	h.writeJSON(w, r, vote)
}

func (h *HTTPHandler) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// one byte past the limit is enough to tell an oversized command apart
	cmd, err := io.ReadAll(io.LimitReader(r.Body, maxCommandSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if len(cmd) == 0 {
		http.Error(w, "empty command", http.StatusBadRequest)
		return
	}

	entry, err := h.server.Propose(cmd)
	switch {
	case errors.Is(err, ErrNotLeader):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrCommandTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, r, entry.Seq)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var term, isLeader = h.server.State()
	var resp = HealthResponse{
		Term:     term,
		State:    h.server.Role().String(),
		IsLeader: isLeader,
	}
	if leader, ok := h.server.Leader(); ok {
		resp.Leader = leader.String()
	}

	h.writeJSON(w, r, resp)
}

func (h *HTTPHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var entries = h.server.Entries()
	if entries == nil {
		entries = []Entry{}
	}

	h.writeJSON(w, r, entries)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("cannot write response", "path", r.URL.Path, "err", err)
	}
}
