package dht

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/anacrolix/torrent/bencode"

	"github.com/opd-ai/btdht/limits"
)

var (
	// ErrMalformedMessage is returned for datagrams that are not a KRPC
	// dictionary or lack the keys needed to route them.
	ErrMalformedMessage = errors.New("malformed krpc message")

	// ErrUnknownTransaction is returned for responses whose transaction id
	// does not match an outstanding call.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// MethodResolver maps the transaction id of a response to the method of the
// call that is waiting for it. Responses do not name their method on the
// wire, so decoding them needs this lookup.
type MethodResolver interface {
	FindMethod(mtid []byte) Method
}

// MethodResolverFunc adapts a function to MethodResolver.
type MethodResolverFunc func(mtid []byte) Method

// FindMethod calls f(mtid).
func (f MethodResolverFunc) FindMethod(mtid []byte) Method { return f(mtid) }

type krpcMsg struct {
	T  string        `bencode:"t"`
	Y  string        `bencode:"y"`
	Q  string        `bencode:"q,omitempty"`
	A  *krpcArgs     `bencode:"a,omitempty"`
	R  *krpcReturn   `bencode:"r,omitempty"`
	E  []interface{} `bencode:"e,omitempty"`
	V  string        `bencode:"v,omitempty"`
	RO int           `bencode:"ro,omitempty"`
}

type krpcArgs struct {
	ID       string   `bencode:"id"`
	Target   string   `bencode:"target,omitempty"`
	InfoHash string   `bencode:"info_hash,omitempty"`
	Port     int      `bencode:"port,omitempty"`
	Implied  int      `bencode:"implied_port,omitempty"`
	Token    string   `bencode:"token,omitempty"`
	Want     []string `bencode:"want,omitempty"`
}

type krpcReturn struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Nodes6 string   `bencode:"nodes6,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// Encode serializes msg as a bencoded KRPC dictionary.
func Encode(msg *Message) ([]byte, error) {
	m := krpcMsg{T: string(msg.MTID), Y: msg.Type.String()}
	switch msg.Type {
	case MsgRequest:
		if msg.Method == MethodNone {
			return nil, fmt.Errorf("%w: request without method", ErrMalformedMessage)
		}
		m.Q = msg.Method.String()
		a := &krpcArgs{ID: string(msg.ID[:])}
		switch msg.Method {
		case MethodFindNode:
			a.Target = string(msg.Target[:])
			a.Want = msg.Want
		case MethodGetPeers:
			a.InfoHash = string(msg.InfoHash[:])
			a.Want = msg.Want
		case MethodAnnouncePeer:
			a.InfoHash = string(msg.InfoHash[:])
			a.Port = int(msg.Port)
			a.Token = string(msg.Token)
			if msg.ImpliedPort {
				a.Implied = 1
			}
		}
		m.A = a
	case MsgResponse:
		r := &krpcReturn{ID: string(msg.ID[:])}
		switch msg.Method {
		case MethodFindNode:
			r.Nodes = string(msg.Nodes)
			r.Nodes6 = string(msg.Nodes6)
		case MethodGetPeers:
			r.Nodes = string(msg.Nodes)
			r.Nodes6 = string(msg.Nodes6)
			r.Token = string(msg.Token)
			for _, v := range msg.Values {
				r.Values = append(r.Values, string(PackAddr(v)))
			}
		}
		m.R = r
	case MsgError:
		m.E = []interface{}{msg.ErrCode, msg.ErrMsg}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, msg.Type)
	}
	b, err := bencode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg, err)
	}
	return b, nil
}

// Decode parses a KRPC datagram received from origin. Responses are matched
// to their method through resolver.
//
// Decode returns ErrMalformedMessage for input that should be dropped
// silently, including queries missing a required argument,
// ErrUnknownTransaction for responses nobody waits for, and a
// *ProtocolError for well-formed queries that deserve a KRPC error reply.
func Decode(data []byte, origin netip.AddrPort, resolver MethodResolver) (*Message, error) {
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(data) < 2 || data[0] != 'd' {
		return nil, fmt.Errorf("%w: not a dictionary", ErrMalformedMessage)
	}

	var m krpcMsg
	err := bencode.Unmarshal(data, &m)
	var trailing bencode.ErrUnusedTrailingBytes
	if err != nil && !errors.As(err, &trailing) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := limits.ValidateTransactionID([]byte(m.T)); err != nil {
		return nil, fmt.Errorf("%w: transaction id: %v", ErrMalformedMessage, err)
	}

	msg := &Message{MTID: []byte(m.T), Origin: normalizeAddr(origin)}
	switch m.Y {
	case "q":
		msg.Type = MsgRequest
		return msg, decodeRequest(msg, &m)
	case "r":
		msg.Type = MsgResponse
		return msg, decodeResponse(msg, &m, resolver)
	case "e":
		msg.Type = MsgError
		return msg, decodeError(msg, &m)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, m.Y)
	}
}

func decodeRequest(msg *Message, m *krpcMsg) error {
	msg.Method = methodFromString(m.Q)
	if msg.Method == MethodNone {
		return &ProtocolError{Code: ErrCodeMethodUnknown, Message: "Method Unknown", MTID: msg.MTID}
	}
	if m.A == nil {
		return fmt.Errorf("%w: %s without arguments", ErrMalformedMessage, m.Q)
	}
	id, err := KeyFromBytes([]byte(m.A.ID))
	if err != nil {
		return fmt.Errorf("%w: %s id: %v", ErrMalformedMessage, m.Q, err)
	}
	msg.ID = id

	switch msg.Method {
	case MethodFindNode:
		if msg.Target, err = KeyFromBytes([]byte(m.A.Target)); err != nil {
			return fmt.Errorf("%w: find_node target: %v", ErrMalformedMessage, err)
		}
		msg.Want = truncateWant(m.A.Want)
	case MethodGetPeers:
		if msg.InfoHash, err = KeyFromBytes([]byte(m.A.InfoHash)); err != nil {
			return fmt.Errorf("%w: get_peers info_hash: %v", ErrMalformedMessage, err)
		}
		msg.Want = truncateWant(m.A.Want)
	case MethodAnnouncePeer:
		if msg.InfoHash, err = KeyFromBytes([]byte(m.A.InfoHash)); err != nil {
			return fmt.Errorf("%w: announce_peer info_hash: %v", ErrMalformedMessage, err)
		}
		if m.A.Token == "" {
			return fmt.Errorf("%w: announce_peer without token", ErrMalformedMessage)
		}
		msg.ImpliedPort = m.A.Implied != 0
		switch {
		case m.A.Port < 0 || m.A.Port > 0xFFFF:
			return &ProtocolError{Code: ErrCodeProtocol, Message: "Invalid request, bad port", MTID: msg.MTID}
		case m.A.Port == 0 && !msg.ImpliedPort:
			return fmt.Errorf("%w: announce_peer without port", ErrMalformedMessage)
		}
		msg.Port = uint16(m.A.Port)
		msg.Token = limits.TruncateToken([]byte(m.A.Token))
	}
	return nil
}

func decodeResponse(msg *Message, m *krpcMsg, resolver MethodResolver) error {
	if m.R == nil {
		return fmt.Errorf("%w: response without return values", ErrMalformedMessage)
	}
	id, err := KeyFromBytes([]byte(m.R.ID))
	if err != nil {
		return fmt.Errorf("%w: response id: %v", ErrMalformedMessage, err)
	}
	msg.ID = id

	if resolver != nil {
		msg.Method = resolver.FindMethod(msg.MTID)
	}
	if msg.Method == MethodNone {
		return ErrUnknownTransaction
	}

	switch msg.Method {
	case MethodFindNode:
		msg.Nodes = []byte(m.R.Nodes)
		msg.Nodes6 = []byte(m.R.Nodes6)
	case MethodGetPeers:
		msg.Nodes = []byte(m.R.Nodes)
		msg.Nodes6 = []byte(m.R.Nodes6)
		if m.R.Token != "" {
			msg.Token = limits.TruncateToken([]byte(m.R.Token))
		}
		for _, v := range m.R.Values {
			addr, err := UnpackAddr([]byte(v))
			if err != nil {
				continue
			}
			msg.Values = append(msg.Values, addr)
		}
	}
	return nil
}

func decodeError(msg *Message, m *krpcMsg) error {
	if len(m.E) < 2 {
		return fmt.Errorf("%w: short error list", ErrMalformedMessage)
	}
	switch code := m.E[0].(type) {
	case int64:
		msg.ErrCode = int(code)
	case int:
		msg.ErrCode = code
	default:
		return fmt.Errorf("%w: error code has type %T", ErrMalformedMessage, m.E[0])
	}
	switch text := m.E[1].(type) {
	case string:
		msg.ErrMsg = text
	case []byte:
		msg.ErrMsg = string(text)
	}
	return nil
}

func truncateWant(want []string) []string {
	if len(want) > limits.MaxWantEntries {
		want = want[:limits.MaxWantEntries]
	}
	return want
}
