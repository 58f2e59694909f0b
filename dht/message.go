package dht

import (
	"fmt"
	"net/netip"
)

// MsgType is the KRPC message kind ("y" key on the wire).
type MsgType uint8

const (
	MsgRequest MsgType = iota
	MsgResponse
	MsgError
)

// String returns the wire letter of the message type.
func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "q"
	case MsgResponse:
		return "r"
	case MsgError:
		return "e"
	default:
		return "?"
	}
}

// Method is a KRPC query name.
type Method uint8

const (
	MethodNone Method = iota
	MethodPing
	MethodFindNode
	MethodGetPeers
	MethodAnnouncePeer
)

// String returns the wire name of the method.
func (m Method) String() string {
	switch m {
	case MethodPing:
		return "ping"
	case MethodFindNode:
		return "find_node"
	case MethodGetPeers:
		return "get_peers"
	case MethodAnnouncePeer:
		return "announce_peer"
	default:
		return "none"
	}
}

func methodFromString(s string) Method {
	switch s {
	case "ping":
		return MethodPing
	case "find_node":
		return MethodFindNode
	case "get_peers":
		return MethodGetPeers
	case "announce_peer":
		return MethodAnnouncePeer
	default:
		return MethodNone
	}
}

// KRPC error codes from BEP 5.
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// Message is a decoded or to-be-encoded KRPC message. Type and Method tag
// which of the remaining fields are meaningful:
//
//	ping          request: ID                        response: ID
//	find_node     request: ID Target Want            response: ID Nodes Nodes6
//	get_peers     request: ID InfoHash Want          response: ID Token Values Nodes Nodes6
//	announce_peer request: ID InfoHash Port Token    response: ID
//	error         ErrCode ErrMsg
type Message struct {
	Type   MsgType
	Method Method
	MTID   []byte
	ID     Key

	// Origin is the source of an inbound message or the destination of an
	// outbound one.
	Origin netip.AddrPort

	Target   Key
	InfoHash Key
	Want     []string
	Port     uint16
	Token    []byte
	// ImpliedPort asks the receiver of an announce to store the source
	// port of the datagram instead of Port.
	ImpliedPort bool

	Nodes  []byte
	Nodes6 []byte
	Values []netip.AddrPort

	ErrCode int
	ErrMsg  string
}

// NewPingRequest builds a ping query.
func NewPingRequest(id Key, to netip.AddrPort) *Message {
	return &Message{Type: MsgRequest, Method: MethodPing, ID: id, Origin: to}
}

// NewFindNodeRequest builds a find_node query for target.
func NewFindNodeRequest(id, target Key, to netip.AddrPort) *Message {
	return &Message{Type: MsgRequest, Method: MethodFindNode, ID: id, Target: target, Origin: to}
}

// NewGetPeersRequest builds a get_peers query for infoHash.
func NewGetPeersRequest(id, infoHash Key, to netip.AddrPort) *Message {
	return &Message{Type: MsgRequest, Method: MethodGetPeers, ID: id, InfoHash: infoHash, Origin: to}
}

// NewAnnounceRequest builds an announce_peer query.
func NewAnnounceRequest(id, infoHash Key, port uint16, token []byte, to netip.AddrPort) *Message {
	return &Message{
		Type:     MsgRequest,
		Method:   MethodAnnouncePeer,
		ID:       id,
		InfoHash: infoHash,
		Port:     port,
		Token:    token,
		Origin:   to,
	}
}

// NewResponse builds an empty response to req carrying our id.
func NewResponse(req *Message, id Key) *Message {
	return &Message{
		Type:   MsgResponse,
		Method: req.Method,
		MTID:   req.MTID,
		ID:     id,
		Origin: req.Origin,
	}
}

// NewErrorMessage builds a KRPC error reply.
func NewErrorMessage(mtid []byte, code int, msg string, to netip.AddrPort) *Message {
	return &Message{
		Type:    MsgError,
		MTID:    mtid,
		ErrCode: code,
		ErrMsg:  msg,
		Origin:  to,
	}
}

// Wants reports whether a find_node or get_peers query asked for nodes of
// the given IP version through the "want" argument.
func (m *Message) Wants(ipVersion int) bool {
	want := fmt.Sprintf("n%d", ipVersion)
	for _, w := range m.Want {
		if w == want {
			return true
		}
	}
	return false
}

// AddNode appends one packed contact to Nodes or Nodes6 depending on its size.
func (m *Message) AddNode(packed []byte) {
	switch len(packed) {
	case PackedNodeSizeV4:
		m.Nodes = append(m.Nodes, packed...)
	case PackedNodeSizeV6:
		m.Nodes6 = append(m.Nodes6, packed...)
	}
}

// MTIDByte returns the first transaction id byte, or 0 when the id is empty.
func (m *Message) MTIDByte() byte {
	if len(m.MTID) == 0 {
		return 0
	}
	return m.MTID[0]
}

// String formats the message for debug logging.
func (m *Message) String() string {
	switch m.Type {
	case MsgError:
		return fmt.Sprintf("ERR %x %d %q", m.MTID, m.ErrCode, m.ErrMsg)
	case MsgResponse:
		return fmt.Sprintf("RSP %x %s %s", m.MTID, m.ID, m.Method)
	default:
		return fmt.Sprintf("REQ %x %s %s", m.MTID, m.ID, m.Method)
	}
}

// ProtocolError is a well-formed message that cannot be served. The caller
// answers it with a KRPC error carrying Code.
type ProtocolError struct {
	Code    int
	Message string
	MTID    []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("krpc protocol error %d: %s", e.Code, e.Message)
}
