package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// ConnSnapshot describes one client connection for the status endpoint and
// the terminal dashboard.
type ConnSnapshot struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	Codec       string    `json:"codec"`
	ConnectedAt time.Time `json:"connectedAt"`
	Hosts       []string  `json:"hosts"`
	InFlight    int       `json:"inFlight"`
	Sockets     int       `json:"sockets"`
}

// Snapshot is a point-in-time view of the routing state.
type Snapshot struct {
	Connections []ConnSnapshot    `json:"connections"`
	Hosts       map[string]string `json:"hosts"`
}

// Snapshot captures the current connections and host table. Host lists are
// filtered to claims the connection still owns.
func (s *Server) Snapshot() Snapshot {
	s.mu.RLock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.RUnlock()

	snap := Snapshot{Hosts: s.registry.Snapshot()}
	for _, cc := range conns {
		var owned []string
		for _, host := range cc.claimedHosts() {
			if owner, ok := s.registry.Lookup(host); ok && owner == cc.id {
				owned = append(owned, host)
			}
		}
		requests, sockets := cc.inFlight()
		snap.Connections = append(snap.Connections, ConnSnapshot{
			ID:          cc.id,
			RemoteAddr:  cc.remote,
			Codec:       cc.codecName,
			ConnectedAt: cc.connected,
			Hosts:       owned,
			InFlight:    requests,
			Sockets:     sockets,
		})
	}
	sort.Slice(snap.Connections, func(i, j int) bool {
		return snap.Connections[i].ConnectedAt.Before(snap.Connections[j].ConnectedAt)
	})
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Snapshot())
}
