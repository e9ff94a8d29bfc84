package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame type bytes.
const (
	TypeLogin            byte = 'o'
	TypeLoginResponse    byte = '1'
	TypeNewProxy         byte = 'p'
	TypeNewProxyResponse byte = '2'
	TypeCloseProxy       byte = 'c'
	TypeNewWorkConn      byte = 'w'
	TypeStartWorkConn    byte = 's'
	TypePing             byte = 'h'
	TypePong             byte = '4'
	TypeError            byte = 'e'
	TypeUDPPacket        byte = 'u'
)

// HeaderLen is the fixed frame header: one type byte plus a big-endian uint32 length.
const HeaderLen = 5

// MaxControlFrame bounds the payload of any control frame.
const MaxControlFrame = 64 * 1024

// MaxUDPFrame bounds UDPPacket frames, which carry a base64 datagram of up to 64 KiB.
const MaxUDPFrame = 128 * 1024

var (
	ErrProtocol         = errors.New("protocol error")
	ErrFrameTooLarge    = fmt.Errorf("%w: frame too large", ErrProtocol)
	ErrUnknownFrameType = fmt.Errorf("%w: unknown frame type", ErrProtocol)
	ErrMalformedFrame   = fmt.Errorf("%w: malformed frame", ErrProtocol)
	ErrUnknownMessage   = errors.New("message type not encodable")

	// ErrNeedMoreData is returned by Decode when buf does not yet hold a whole frame.
	ErrNeedMoreData = errors.New("need more data")
)

// Message is one of the pointer types declared in messages.go.
type Message any

// TypeOf returns the frame type byte for m.
func TypeOf(m Message) (byte, error) {
	switch m.(type) {
	case *Login, Login:
		return TypeLogin, nil
	case *LoginResponse, LoginResponse:
		return TypeLoginResponse, nil
	case *NewProxy, NewProxy:
		return TypeNewProxy, nil
	case *NewProxyResponse, NewProxyResponse:
		return TypeNewProxyResponse, nil
	case *CloseProxy, CloseProxy:
		return TypeCloseProxy, nil
	case *NewWorkConn, NewWorkConn:
		return TypeNewWorkConn, nil
	case *StartWorkConn, StartWorkConn:
		return TypeStartWorkConn, nil
	case *Ping, Ping:
		return TypePing, nil
	case *Pong, Pong:
		return TypePong, nil
	case *Error, Error:
		return TypeError, nil
	case *UDPPacket, UDPPacket:
		return TypeUDPPacket, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
}

func newMessage(t byte) (Message, bool) {
	switch t {
	case TypeLogin:
		return &Login{}, true
	case TypeLoginResponse:
		return &LoginResponse{}, true
	case TypeNewProxy:
		return &NewProxy{}, true
	case TypeNewProxyResponse:
		return &NewProxyResponse{}, true
	case TypeCloseProxy:
		return &CloseProxy{}, true
	case TypeNewWorkConn:
		return &NewWorkConn{}, true
	case TypeStartWorkConn:
		return &StartWorkConn{}, true
	case TypePing:
		return &Ping{}, true
	case TypePong:
		return &Pong{}, true
	case TypeError:
		return &Error{}, true
	case TypeUDPPacket:
		return &UDPPacket{}, true
	}
	return nil, false
}

// Encode serializes m into a single frame.
func Encode(m Message) ([]byte, error) {
	t, err := TypeOf(m)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", m, err)
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = t
	binary.BigEndian.PutUint32(buf[1:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode parses one frame from the front of buf. It returns the message and the number of bytes
// consumed. When buf holds only part of a frame it returns ErrNeedMoreData and consumes nothing,
// so callers can append more bytes and call again. A max of 0 means MaxControlFrame.
func Decode(buf []byte, max int) (Message, int, error) {
	if max <= 0 {
		max = MaxControlFrame
	}
	if len(buf) == 0 {
		return nil, 0, ErrNeedMoreData
	}
	m, ok := newMessage(buf[0])
	if !ok {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, buf[0])
	}
	if len(buf) < HeaderLen {
		return nil, 0, ErrNeedMoreData
	}
	n := binary.BigEndian.Uint32(buf[1:HeaderLen])
	if uint64(n) > uint64(max) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	end := HeaderLen + int(n)
	if len(buf) < end {
		return nil, 0, ErrNeedMoreData
	}
	if err := json.Unmarshal(buf[HeaderLen:end], m); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return m, end, nil
}

// WriteMsg encodes m and writes it with a single Write call.
func WriteMsg(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadMsg reads exactly one frame from r and never reads past it. Use it on connections whose
// stream turns into raw tunnel bytes after the handshake frame.
func ReadMsg(r io.Reader) (Message, error) {
	return ReadMsgLimit(r, MaxControlFrame)
}

// ReadMsgLimit is ReadMsg with a caller supplied payload limit.
func ReadMsgLimit(r io.Reader, max int) (Message, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err
	}
	if _, ok := newMessage(hdr[0]); !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, hdr[0])
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return nil, unexpected(err)
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if max > 0 && uint64(n) > uint64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	frame := make([]byte, HeaderLen+int(n))
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[HeaderLen:]); err != nil {
		return nil, unexpected(err)
	}
	m, _, err := Decode(frame, max)
	return m, err
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
