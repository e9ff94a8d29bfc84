package server

import "time"

// Stats is a point-in-time view of the server for the admin API.
type Stats struct {
	Sessions        int           `json:"sessions"`
	Proxies         int           `json:"proxies"`
	IdleWorkConns   int           `json:"idle_work_conns"`
	PendingRequests int           `json:"pending_requests"`
	ActiveConns     int           `json:"active_conns"`
	Clients         []ClientStats `json:"clients"`
	Now             string        `json:"now"`
}

type ClientStats struct {
	SessionID     string       `json:"session_id"`
	RunID         string       `json:"run_id"`
	Remote        string       `json:"remote"`
	Hostname      string       `json:"hostname,omitempty"`
	User          string       `json:"user,omitempty"`
	Version       string       `json:"version,omitempty"`
	State         string       `json:"state"`
	LoginAt       string       `json:"login_at"`
	LastHeartbeat string       `json:"last_heartbeat"`
	IdleWorkConns int          `json:"idle_work_conns"`
	Proxies       []ProxyStats `json:"proxies"`
}

type ProxyStats struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	RemotePort int      `json:"remote_port,omitempty"`
	Domains    []string `json:"domains,omitempty"`
	Active     bool     `json:"active"`
}

// Stats collects the current sessions, oldest login first, and their proxies.
func (s *Service) Stats() Stats {
	idle, pending := s.pool.Stats()
	st := Stats{
		Sessions:        s.sessions.Len(),
		Proxies:         s.registry.Len(),
		IdleWorkConns:   idle,
		PendingRequests: pending,
		ActiveConns:     s.dispatch.Conns(),
		Now:             time.Now().UTC().Format(time.RFC3339),
	}
	for _, sess := range s.sessions.All() {
		login := sess.Client()
		sessIdle, _ := s.pool.SessionStats(sess.ID())
		cs := ClientStats{
			SessionID:     sess.ID(),
			RunID:         sess.RunID(),
			Remote:        sess.RemoteAddr(),
			Hostname:      login.Hostname,
			User:          login.User,
			Version:       login.Version,
			State:         sess.State().String(),
			LoginAt:       sess.LoginAt().UTC().Format(time.RFC3339),
			LastHeartbeat: sess.LastHeartbeat().UTC().Format(time.RFC3339),
			IdleWorkConns: sessIdle,
		}
		for _, b := range s.registry.BySession(sess.ID()) {
			cs.Proxies = append(cs.Proxies, ProxyStats{
				Name:       b.Name,
				Type:       b.Type,
				RemotePort: b.RemotePort,
				Domains:    b.Domains,
				Active:     s.dispatch.Active(b.Name),
			})
		}
		st.Clients = append(st.Clients, cs)
	}
	return st
}
