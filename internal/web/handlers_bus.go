package web

import (
	"net/http"
)

type busStatus struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Topics    int    `json:"topics"`
}

func (s *Server) busStatus() busStatus {
	if s.bus == nil {
		return busStatus{State: "disabled"}
	}
	return busStatus{
		State:     string(s.bus.State()),
		Connected: s.bus.IsConnected(),
		Topics:    len(s.bus.Topics()),
	}
}

// handleAPIBusStatus backs the polled connectivity indicator.
func (s *Server) handleAPIBusStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.busStatus())
}

// handleAPIBusReconnect is the recovery action once the bus gave up.
func (s *Server) handleAPIBusReconnect(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeErrorMsg(w, http.StatusServiceUnavailable, "status bus not configured")
		return
	}
	if err := s.bus.Reconnect(r.Context()); err != nil {
		s.logger.Warn("bus reconnect failed", "err", err)
		s.writeErrorMsg(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.busStatus())
}
