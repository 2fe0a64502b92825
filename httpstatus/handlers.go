package httpstatus

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"battleye-rcon/battleye"
)

// connectionInfo is the JSON shape of one entry returned by the
// connection list handler.
type connectionInfo struct {
	ID        string                   `json:"id"`
	IP        string                   `json:"ip"`
	Port      int                      `json:"port"`
	Connected bool                     `json:"connected"`
	Stats     battleye.ConnectionStats `json:"stats"`
}

func describe(conn *battleye.Connection) connectionInfo {
	return connectionInfo{
		ID:        conn.ID(),
		IP:        conn.IP(),
		Port:      conn.Port(),
		Connected: conn.Connected(),
		Stats:     conn.Stats(),
	}
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.mux.Connections()
	result := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		result = append(result, describe(c))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) lookupConnection(w http.ResponseWriter, r *http.Request) (*battleye.Connection, bool) {
	id := mux.Vars(r)["id"]
	conn, ok := s.mux.Get(id)
	if !ok {
		http.Error(w, "connection not found", http.StatusNotFound)
		return nil, false
	}
	return conn, true
}

type commandResponse struct {
	Data string `json:"data"`
}

// handleCommand sends the raw request body as a command on the named
// Connection and returns the resolved reply's data as JSON
// ({"data": ...}).
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.lookupConnection(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	resp, err := conn.Command(ctx, string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(commandResponse{Data: resp.Data})
}
