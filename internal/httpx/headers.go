// Package httpx reads and edits HTTP/1.x request heads without touching the body, so the rest of
// the stream can be spliced untouched.
package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	ErrHeaderTooLarge = errors.New("request head too large")
	ErrBadRequestLine = errors.New("bad request line")
	ErrIncompleteHead = errors.New("connection closed inside request head")
)

// Header is a single field, name case preserved as seen on the wire.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed request line plus headers.
type Request struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value for name (case-insensitive) or "".
func (p *Request) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Set replaces the first field called name, or appends one.
func (p *Request) Set(name, value string) {
	for i, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			p.Headers[i].Value = value
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Del removes every field called name.
func (p *Request) Del(name string) {
	out := p.Headers[:0]
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	p.Headers = out
}

// Host returns the Host header without port, lower-cased.
func (p *Request) Host() string {
	return NormalizeHost(p.Get("Host"))
}

// NormalizeHost strips a port and trailing dot and lower-cases h.
func NormalizeHost(h string) string {
	h = strings.TrimSpace(h)
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.ToLower(strings.TrimSuffix(h, "."))
}

// ParseRequest reads a request head from r, at most max bytes. Bytes after the blank line
// stay buffered in r for the caller to forward.
func ParseRequest(r *bufio.Reader, max int) (*Request, error) {
	var buf []byte
	for {
		line, err := r.ReadSlice('\n')
		buf = append(buf, line...)
		if len(buf) > max {
			return nil, fmt.Errorf("%w (%d>%d)", ErrHeaderTooLarge, len(buf), max)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrIncompleteHead
			}
			return nil, err
		}
		if isBlank(line) {
			if len(buf) == len(line) {
				buf = buf[:0] // tolerate CRLF before the request line
				continue
			}
			break
		}
	}
	return parseHead(buf)
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

func parseHead(buf []byte) (*Request, error) {
	lines := strings.Split(strings.TrimRight(string(buf), "\r\n"), "\n")
	reqLine := strings.TrimRight(lines[0], "\r")
	parts := strings.Split(reqLine, " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: %q", ErrBadRequestLine, reqLine)
	}
	p := &Request{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue // skip malformed
		}
		p.Headers = append(p.Headers, Header{Name: line[:colon], Value: strings.TrimSpace(line[colon+1:])})
	}
	return p, nil
}

// Bytes renders the head, terminated by the blank line.
func (p *Request) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", p.Method, p.URI, p.Proto)
	for _, h := range p.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// WriteTo writes the head to w.
func (p *Request) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.Bytes())
	return int64(n), err
}

// AugmentXFF appends clientIP to X-Forwarded-For, creating it when absent.
func (p *Request) AugmentXFF(clientIP string) {
	if clientIP == "" {
		return
	}
	if v := p.Get("X-Forwarded-For"); v != "" {
		p.Set("X-Forwarded-For", v+", "+clientIP)
		return
	}
	p.Headers = append(p.Headers, Header{Name: "X-Forwarded-For", Value: clientIP})
}

// ReplaceHost rewrites the Host header; the original value is kept in X-Forwarded-Host.
func (p *Request) ReplaceHost(host string) {
	if host == "" {
		return
	}
	if orig := p.Get("Host"); orig != "" && p.Get("X-Forwarded-Host") == "" {
		p.Headers = append(p.Headers, Header{Name: "X-Forwarded-Host", Value: orig})
	}
	p.Set("Host", host)
}

// RemoteIP extracts the IP portion of an address string.
func RemoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	h, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return h
}
