package dht

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"

	"github.com/sirupsen/logrus"
)

// ErrCorruptTable is returned when a saved routing table cannot be parsed.
var ErrCorruptTable = errors.New("corrupt routing table file")

// MarshalTable encodes the entries of t for one IP version as a sequence of
// records: bucket index (u8), entry count (u16 big endian), then count
// entries of id, address and port.
func MarshalTable(t *RoutingTable, version int) []byte {
	var buf bytes.Buffer
	for i, b := range t.buckets {
		var entries []Entry
		for _, e := range b.entries {
			if addrFamilyMatches(e.Addr, version) {
				entries = append(entries, e)
			}
		}
		if len(entries) == 0 {
			continue
		}
		buf.WriteByte(byte(i))
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(entries)))
		for _, e := range entries {
			buf.Write(PackEntry(e))
		}
	}
	return buf.Bytes()
}

// UnmarshalTable parses data produced by MarshalTable. Nothing is returned
// unless the whole input parses.
func UnmarshalTable(data []byte, version int) ([]Entry, error) {
	size := PackedNodeSize(version)
	var out []Entry
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		var hdr struct {
			Index uint8
			Count uint16
		}
		if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
			return nil, fmt.Errorf("%w: bucket header: %v", ErrCorruptTable, err)
		}
		if hdr.Count == 0 || hdr.Count > K {
			return nil, fmt.Errorf("%w: bucket %d holds %d entries", ErrCorruptTable, hdr.Index, hdr.Count)
		}
		rec := make([]byte, int(hdr.Count)*size)
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, fmt.Errorf("%w: bucket %d truncated", ErrCorruptTable, hdr.Index)
		}
		for off := 0; off < len(rec); off += size {
			e, err := UnpackEntry(rec, off, version)
			if err != nil {
				return nil, fmt.Errorf("%w: bucket %d: %v", ErrCorruptTable, hdr.Index, err)
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveTable writes t to path, replacing any previous file.
func SaveTable(t *RoutingTable, path string, version int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, MarshalTable(t, version), 0o600); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SaveTable",
			"path":     path,
			"error":    err.Error(),
		}).Error("Cannot write routing table")
		return fmt.Errorf("saving routing table: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("saving routing table: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "SaveTable",
		"path":     path,
		"entries":  t.NumEntries(),
	}).Debug("Saved routing table")
	return nil
}

// LoadTable inserts the entries saved at path into t. A missing or corrupt
// file leaves t untouched.
func LoadTable(t *RoutingTable, path string, version int) int {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logrus.WithFields(logrus.Fields{
				"function": "LoadTable",
				"path":     path,
				"error":    err.Error(),
			}).Warn("Cannot read routing table")
		}
		return 0
	}
	entries, err := UnmarshalTable(data, version)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "LoadTable",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Ignoring routing table")
		return 0
	}
	now := t.tp.Now()
	for _, e := range entries {
		t.insert(NewEntry(e.Addr, e.ID, now), false)
	}
	logrus.WithFields(logrus.Fields{
		"function": "LoadTable",
		"path":     path,
		"entries":  len(entries),
	}).Info("Loaded routing table")
	return len(entries)
}

// addrFamilyMatches reports whether addr can be stored in a table file of
// the given IP version.
func addrFamilyMatches(addr netip.AddrPort, version int) bool {
	return ipVersion(addr) == version
}
