package dht

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btdht/limits"
)

// requestHandler answers one kind of query. It runs on the processing loop.
type requestHandler func(d *DHT, req *Message)

func (d *DHT) registerHandlers() {
	d.handlers = map[Method]requestHandler{
		MethodPing:         (*DHT).handlePing,
		MethodFindNode:     (*DHT).handleFindNode,
		MethodGetPeers:     (*DHT).handleGetPeers,
		MethodAnnouncePeer: (*DHT).handleAnnouncePeer,
	}
}

// handleMessage routes a decoded message.
func (d *DHT) handleMessage(msg *Message) {
	switch msg.Type {
	case MsgRequest:
		d.handleRequest(msg)
	case MsgResponse:
		// the call completes before the sender is entered in the table
		if d.srv.OnIncoming(msg) == nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleMessage",
				"from":     msg.Origin.String(),
				"mtid":     msg.MTIDByte(),
			}).Debug("Dropping unmatched response")
			return
		}
		if msg.ID != d.node.ID() {
			d.node.Received(msg)
		}
	case MsgError:
		d.srv.OnIncoming(msg)
		logrus.WithFields(logrus.Fields{
			"function": "handleMessage",
			"from":     msg.Origin.String(),
			"code":     msg.ErrCode,
			"message":  msg.ErrMsg,
		}).Debug("Received KRPC error")
	}
}

func (d *DHT) handleRequest(req *Message) {
	// our own queries reflected back at us
	if req.ID == d.node.ID() {
		return
	}
	// Decode has already answered unknown methods
	if h, ok := d.handlers[req.Method]; ok {
		h(d, req)
	}
}

// replyError answers a query we cannot serve.
func (d *DHT) replyError(perr *ProtocolError, to netip.AddrPort) {
	logrus.WithFields(logrus.Fields{
		"function": "replyError",
		"to":       to.String(),
		"code":     perr.Code,
		"message":  perr.Message,
	}).Debug("Answering query with KRPC error")
	d.srv.SendMessage(NewErrorMessage(perr.MTID, perr.Code, perr.Message, to))
}

func (d *DHT) handlePing(req *Message) {
	d.srv.SendMessage(NewResponse(req, d.node.ID()))
	d.node.Received(req)
}

func (d *DHT) handleFindNode(req *Message) {
	d.node.Received(req)

	rsp := NewResponse(req, d.node.ID())
	kns := NewKClosestNodesSearch(req.Target, K)
	d.node.FindClosest(kns, wantFor(req))
	kns.Pack(rsp)
	d.srv.SendMessage(rsp)
}

func (d *DHT) handleGetPeers(req *Message) {
	d.node.Received(req)

	rsp := NewResponse(req, d.node.ID())
	for _, it := range d.db.Sample(req.InfoHash, limits.MaxValuesPerResponse, ipVersion(req.Origin)) {
		rsp.Values = append(rsp.Values, it.Addr)
	}
	rsp.Token = d.db.GenToken(req.Origin)

	kns := NewKClosestNodesSearch(req.InfoHash, K)
	d.node.FindClosest(kns, wantFor(req))
	kns.Pack(rsp)
	d.srv.SendMessage(rsp)
}

func (d *DHT) handleAnnouncePeer(req *Message) {
	d.node.Received(req)

	if !d.db.CheckToken(req.Token, req.Origin) {
		logrus.WithFields(logrus.Fields{
			"function":  "handleAnnouncePeer",
			"from":      req.Origin.String(),
			"info_hash": req.InfoHash.String(),
		}).Debug("Dropping announce with invalid token")
		return
	}

	port := req.Port
	if req.ImpliedPort {
		port = req.Origin.Port()
	}
	d.db.StorePeer(req.InfoHash, netip.AddrPortFrom(req.Origin.Addr(), port))
	d.srv.SendMessage(NewResponse(req, d.node.ID()))

	logrus.WithFields(logrus.Fields{
		"function":  "handleAnnouncePeer",
		"from":      req.Origin.String(),
		"info_hash": req.InfoHash.String(),
		"port":      port,
	}).Debug("Stored announced peer")
}

// wantFor returns the tables a query asked for. Without a "want" argument
// the table of the querier's own IP version is used.
func wantFor(req *Message) Want {
	var w Want
	if req.Wants(4) {
		w |= WantIPv4
	}
	if req.Wants(6) {
		w |= WantIPv6
	}
	if w != 0 {
		return w
	}
	if ipVersion(req.Origin) == 4 {
		return WantIPv4
	}
	return WantIPv6
}
