package proto

// Version is reported by both peers at login.
const Version = "0.1.0"

// Proxy types.
const (
	ProxyTCP   = "tcp"
	ProxyUDP   = "udp"
	ProxyHTTP  = "http"
	ProxyHTTPS = "https"
)

// Login is the first frame on a control connection.
type Login struct {
	Version      string `json:"version,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	Os           string `json:"os,omitempty"`
	Arch         string `json:"arch,omitempty"`
	User         string `json:"user,omitempty"`
	PrivilegeKey string `json:"privilege_key,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	PoolCount    int    `json:"pool_count,omitempty"`
}

// LoginResponse server -> client acknowledgement. Error is empty on success.
type LoginResponse struct {
	Version   string `json:"version,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewProxy registers a published tunnel on an active control channel.
type NewProxy struct {
	ProxyName      string   `json:"proxy_name"`
	ProxyType      string   `json:"proxy_type"`
	UseCompression bool     `json:"use_compression,omitempty"`
	BandwidthLimit int64    `json:"bandwidth_limit,omitempty"`
	RemotePort     int      `json:"remote_port,omitempty"`
	CustomDomains  []string `json:"custom_domains,omitempty"`
	SubDomain      string   `json:"subdomain,omitempty"`
}

// NewProxyResponse reports the outcome of a NewProxy. RemoteAddr is filled on success.
type NewProxyResponse struct {
	ProxyName  string `json:"proxy_name"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CloseProxy removes a binding owned by the sending session.
type CloseProxy struct {
	ProxyName string `json:"proxy_name"`
}

// NewWorkConn is the first frame on a work connection dialed by the client.
type NewWorkConn struct {
	SessionID    string `json:"session_id"`
	PrivilegeKey string `json:"privilege_key,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// StartWorkConn travels in two places. On the control channel (server -> client) it asks the
// client to dial one more work connection. On a work connection (server -> client) it announces
// which proxy the connection now carries; the client then connects the local service.
type StartWorkConn struct {
	ProxyName string `json:"proxy_name,omitempty"`
	SrcAddr   string `json:"src_addr,omitempty"`
	DstAddr   string `json:"dst_addr,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Ping struct {
	PrivilegeKey string `json:"privilege_key,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

type Pong struct {
	Error string `json:"error,omitempty"`
}

// Error is sent before the server drops a connection for a protocol violation.
type Error struct {
	Error string `json:"error"`
}

// UDPPacket carries one datagram over a udp proxy's work connection.
type UDPPacket struct {
	Content    []byte `json:"c"`
	RemoteAddr string `json:"r"`
}
