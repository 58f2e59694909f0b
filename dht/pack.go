package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	// PackedNodeSizeV4 is the size of a compact IPv4 node: id, ip, port.
	PackedNodeSizeV4 = KeySize + 4 + 2
	// PackedNodeSizeV6 is the size of a compact IPv6 node: id, ip, port.
	PackedNodeSizeV6 = KeySize + 16 + 2
	// PackedPeerSizeV4 is the size of a compact IPv4 peer: ip, port.
	PackedPeerSizeV4 = 4 + 2
	// PackedPeerSizeV6 is the size of a compact IPv6 peer: ip, port.
	PackedPeerSizeV6 = 16 + 2
)

// ErrShortBuffer is returned when a packed record runs past the end of its buffer.
var ErrShortBuffer = errors.New("not enough room in buffer")

// PackedNodeSize returns the compact node size for an IP version.
func PackedNodeSize(ipVersion int) int {
	if ipVersion == 4 {
		return PackedNodeSizeV4
	}
	return PackedNodeSizeV6
}

// PackAddr encodes an address as a compact peer (6 or 18 bytes).
func PackAddr(addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap()
	var b []byte
	if ip.Is4() {
		a := ip.As4()
		b = make([]byte, PackedPeerSizeV4)
		copy(b, a[:])
	} else {
		a := ip.As16()
		b = make([]byte, PackedPeerSizeV6)
		copy(b, a[:])
	}
	binary.BigEndian.PutUint16(b[len(b)-2:], addr.Port())
	return b
}

// UnpackAddr decodes a compact peer of 6 or 18 bytes.
func UnpackAddr(b []byte) (netip.AddrPort, error) {
	switch len(b) {
	case PackedPeerSizeV4:
		ip := netip.AddrFrom4([4]byte(b[:4]))
		return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[4:])), nil
	case PackedPeerSizeV6:
		ip := netip.AddrFrom16([16]byte(b[:16]))
		return normalizeAddr(netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[16:]))), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("invalid compact peer length %d", len(b))
	}
}

// PackEntry encodes an entry as a compact node (26 or 38 bytes).
func PackEntry(e Entry) []byte {
	addr := PackAddr(e.Addr)
	b := make([]byte, 0, KeySize+len(addr))
	b = append(b, e.ID[:]...)
	return append(b, addr...)
}

// UnpackEntry decodes the compact node at off in b.
func UnpackEntry(b []byte, off int, ipVersion int) (Entry, error) {
	size := PackedNodeSize(ipVersion)
	if off < 0 || off+size > len(b) {
		return Entry{}, ErrShortBuffer
	}
	rec := b[off : off+size]
	var id Key
	copy(id[:], rec[:KeySize])
	addr, err := UnpackAddr(rec[KeySize:])
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: id, Addr: addr}, nil
}

// UnpackEntries decodes every complete compact node in b. A trailing
// partial record is ignored.
func UnpackEntries(b []byte, ipVersion int) []Entry {
	size := PackedNodeSize(ipVersion)
	out := make([]Entry, 0, len(b)/size)
	for off := 0; off+size <= len(b); off += size {
		e, err := UnpackEntry(b, off, ipVersion)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}
