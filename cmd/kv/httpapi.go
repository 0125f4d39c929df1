package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sumimakito/raft"
)

// controlServer is a small JSON-over-HTTP control plane alongside the
// engine's gRPC transport, grounded in the teacher's apiServer concept,
// adapted to this repo's Engine API.
type controlServer struct {
	engine *Node
	srv    *http.Server
}

func newControlServer(node *Node, listenAddr string) *controlServer {
	c := &controlServer{engine: node}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", c.handleStatus)
	mux.HandleFunc("/set", c.handleSet)
	mux.HandleFunc("/get", c.handleGet)
	mux.HandleFunc("/unset", c.handleUnset)
	mux.HandleFunc("/members/add", c.handleAddMember)
	mux.HandleFunc("/members/remove", c.handleRemoveMember)
	mux.HandleFunc("/stepdown", c.handleStepDown)
	c.srv = &http.Server{Addr: listenAddr, Handler: mux}
	return c
}

func (c *controlServer) Serve() error {
	err := c.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (c *controlServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.srv.Shutdown(ctx)
}

type statusResponse struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Term        uint64   `json:"term"`
	LeaderID    string   `json:"leader_id"`
	CommitIndex uint64   `json:"commit_index"`
	LastApplied uint64   `json:"last_applied"`
	Members     []string `json:"members"`
}

func (c *controlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	states := c.engine.engine.States()
	resp := statusResponse{
		ID:          states.ID,
		Role:        states.Role.String(),
		Term:        states.Term,
		LeaderID:    states.LeaderID,
		CommitIndex: states.CommitIndex,
		LastApplied: states.LastApplied,
	}
	if states.Topology != nil {
		resp.Members = states.Topology.Members()
	}
	writeJSON(w, http.StatusOK, resp)
}

type setRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func (c *controlServer) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse(err))
		return
	}
	data := EncodeCommand(Command{Type: CommandSet, Key: req.Key, Value: req.Value})
	c.applyAndReply(w, r, data)
}

func (c *controlServer) handleUnset(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	data := EncodeCommand(Command{Type: CommandUnset, Key: key})
	c.applyAndReply(w, r, data)
}

func (c *controlServer) applyAndReply(w http.ResponseWriter, r *http.Request, data []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	future, err := c.engine.engine.AppendCommand(ctx, raft.Command(data))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errResponse(err))
		return
	}
	if err := future.Wait(ctx); err != nil {
		writeJSON(w, http.StatusGatewayTimeout, errResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"index": future.Index()})
}

func (c *controlServer) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	value, ok := c.engine.sm.Value(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errResponse(nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"value": value})
}

type memberRequest struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

func (c *controlServer) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse(err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := c.engine.engine.AddToCluster(ctx, req.ID, req.Endpoint); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (c *controlServer) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse(err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := c.engine.engine.RemoveFromCluster(ctx, req.ID); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (c *controlServer) handleStepDown(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := c.engine.engine.StepDown(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func errResponse(err error) map[string]string {
	if err == nil {
		return map[string]string{"error": "not found"}
	}
	return map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
