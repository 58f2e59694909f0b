package dht

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOrigin = netip.MustParseAddrPort("10.0.0.1:6881")

func resolverFor(m Method) MethodResolver {
	return MethodResolverFunc(func([]byte) Method { return m })
}

func TestDecodeReferencePing(t *testing.T) {
	raw := []byte("d1:ad2:id20:abcdefghij0123456789e1:q4:ping1:t2:aa1:y1:qe")
	msg, err := Decode(raw, testOrigin, nil)
	require.NoError(t, err)
	assert.Equal(t, MsgRequest, msg.Type)
	assert.Equal(t, MethodPing, msg.Method)
	assert.Equal(t, []byte("aa"), msg.MTID)
	assert.Equal(t, "abcdefghij0123456789", string(msg.ID[:]))
	assert.Equal(t, testOrigin, msg.Origin)
}

func TestEncodeReferencePing(t *testing.T) {
	id, err := KeyFromBytes([]byte("abcdefghij0123456789"))
	require.NoError(t, err)
	req := NewPingRequest(id, testOrigin)
	req.MTID = []byte("aa")

	b, err := Encode(req)
	require.NoError(t, err)
	assert.Equal(t, "d1:ad2:id20:abcdefghij0123456789e1:q4:ping1:t2:aa1:y1:qe", string(b))
}

func TestRequestsSurviveEncoding(t *testing.T) {
	id, target := RandomKey(), RandomKey()

	t.Run("find_node with want", func(t *testing.T) {
		req := NewFindNodeRequest(id, target, testOrigin)
		req.MTID = []byte{7}
		req.Want = []string{"n4", "n6"}
		b, err := Encode(req)
		require.NoError(t, err)

		got, err := Decode(b, testOrigin, nil)
		require.NoError(t, err)
		assert.Equal(t, MethodFindNode, got.Method)
		assert.Equal(t, target, got.Target)
		assert.True(t, got.Wants(4))
		assert.True(t, got.Wants(6))
	})

	t.Run("announce_peer", func(t *testing.T) {
		req := NewAnnounceRequest(id, target, 51413, []byte("tok"), testOrigin)
		req.MTID = []byte{9}
		b, err := Encode(req)
		require.NoError(t, err)

		got, err := Decode(b, testOrigin, nil)
		require.NoError(t, err)
		assert.Equal(t, MethodAnnouncePeer, got.Method)
		assert.Equal(t, target, got.InfoHash)
		assert.Equal(t, uint16(51413), got.Port)
		assert.Equal(t, []byte("tok"), got.Token)
	})
}

func TestDecodeGetPeersResponse(t *testing.T) {
	req := NewGetPeersRequest(RandomKey(), RandomKey(), testOrigin)
	req.MTID = []byte{3}
	rsp := NewResponse(req, RandomKey())
	rsp.Token = []byte("secret")
	rsp.Values = []netip.AddrPort{
		netip.MustParseAddrPort("1.2.3.4:5"),
		netip.MustParseAddrPort("[2001:db8::2]:6"),
	}
	for _, e := range randomEntries(2) {
		rsp.AddNode(PackEntry(e))
	}

	b, err := Encode(rsp)
	require.NoError(t, err)

	got, err := Decode(b, testOrigin, resolverFor(MethodGetPeers))
	require.NoError(t, err)
	assert.Equal(t, MsgResponse, got.Type)
	assert.Equal(t, MethodGetPeers, got.Method)
	assert.Equal(t, rsp.ID, got.ID)
	assert.Equal(t, []byte("secret"), got.Token)
	assert.Equal(t, rsp.Values, got.Values)
	assert.Len(t, UnpackEntries(got.Nodes, 4), 2)
}

func TestDecodeUnknownTransaction(t *testing.T) {
	rsp := &Message{Type: MsgResponse, Method: MethodPing, MTID: []byte{1}, ID: RandomKey()}
	b, err := Encode(rsp)
	require.NoError(t, err)

	_, err = Decode(b, testOrigin, resolverFor(MethodNone))
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	_, err = Decode(b, testOrigin, nil)
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestDecodeProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code int
	}{
		{"unknown method", "d1:ad2:id20:abcdefghij0123456789e1:q4:vote1:t2:xy1:y1:qe", ErrCodeMethodUnknown},
		{"unknown method without arguments", "d1:q4:vote1:t2:xy1:y1:qe", ErrCodeMethodUnknown},
		{"negative port", "d1:ad2:id20:abcdefghij01234567899:info_hash20:abcdefghij01234567894:porti-1e5:token3:abce1:q13:announce_peer1:t2:xy1:y1:qe", ErrCodeProtocol},
		{"port out of range", "d1:ad2:id20:abcdefghij01234567899:info_hash20:abcdefghij01234567894:porti70000e5:token3:abce1:q13:announce_peer1:t2:xy1:y1:qe", ErrCodeProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw), testOrigin, nil)
			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "got %v", err)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, []byte("xy"), perr.MTID)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"not bencode", []byte("hello world")},
		{"list", []byte("li1ee")},
		{"broken dict", []byte("d1:t2:aa")},
		{"unknown type", []byte("d1:t2:aa1:y1:ze")},
		{"oversized", append([]byte("d1:t"), bytes.Repeat([]byte("x"), 5000)...)},
		{"query without arguments", []byte("d1:q4:ping1:t2:xy1:y1:qe")},
		{"short id", []byte("d1:ad2:id3:abce1:q4:ping1:t2:xy1:y1:qe")},
		{"find_node without target", []byte("d1:ad2:id20:abcdefghij0123456789e1:q9:find_node1:t2:xy1:y1:qe")},
		{"get_peers without info_hash", []byte("d1:ad2:id20:abcdefghij0123456789e1:q9:get_peers1:t2:xy1:y1:qe")},
		{"announce without token", []byte("d1:ad2:id20:abcdefghij01234567899:info_hash20:abcdefghij01234567894:porti6881ee1:q13:announce_peer1:t2:xy1:y1:qe")},
		{"announce without port", []byte("d1:ad2:id20:abcdefghij01234567899:info_hash20:abcdefghij01234567895:token3:abce1:q13:announce_peer1:t2:xy1:y1:qe")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw, testOrigin, nil)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecodeImpliedPort(t *testing.T) {
	raw := "d1:ad2:id20:abcdefghij012345678912:implied_porti1e9:info_hash20:abcdefghij01234567895:token3:abce1:q13:announce_peer1:t2:xy1:y1:qe"
	msg, err := Decode([]byte(raw), testOrigin, nil)
	require.NoError(t, err)
	assert.True(t, msg.ImpliedPort)
	assert.Zero(t, msg.Port)
	assert.Equal(t, []byte("abc"), msg.Token)

	req := NewAnnounceRequest(RandomKey(), RandomKey(), 6881, []byte("tok"), testOrigin)
	req.MTID = []byte{1}
	req.ImpliedPort = true
	b, err := Encode(req)
	require.NoError(t, err)
	got, err := Decode(b, testOrigin, nil)
	require.NoError(t, err)
	assert.True(t, got.ImpliedPort)
	assert.Equal(t, uint16(6881), got.Port)
}

func TestErrorMessages(t *testing.T) {
	raw := []byte("d1:eli201e23:A Generic Error Ocurrede1:t2:aa1:y1:ee")
	msg, err := Decode(raw, testOrigin, nil)
	require.NoError(t, err)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, ErrCodeGeneric, msg.ErrCode)
	assert.Equal(t, "A Generic Error Ocurred", msg.ErrMsg)

	b, err := Encode(NewErrorMessage([]byte("aa"), ErrCodeGeneric, "A Generic Error Ocurred", testOrigin))
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(b))
}

func TestDecodeTruncatesWant(t *testing.T) {
	req := NewFindNodeRequest(RandomKey(), RandomKey(), testOrigin)
	req.MTID = []byte{1}
	req.Want = []string{"n4", "a", "b", "c", "n6"}
	b, err := Encode(req)
	require.NoError(t, err)

	got, err := Decode(b, testOrigin, nil)
	require.NoError(t, err)
	assert.Len(t, got.Want, 4)
	assert.False(t, got.Wants(6))
}

func TestDecodeUnmapsOrigin(t *testing.T) {
	raw := []byte("d1:ad2:id20:abcdefghij0123456789e1:q4:ping1:t2:aa1:y1:qe")
	msg, err := Decode(raw, netip.MustParseAddrPort("[::ffff:10.0.0.1]:6881"), nil)
	require.NoError(t, err)
	assert.Equal(t, testOrigin, msg.Origin)
}
