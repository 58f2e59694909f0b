// Package limits provides centralized size limits for KRPC datagrams and
// the values carried inside them.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagramSize is the largest UDP payload the transport reads.
	// KRPC messages fit comfortably below a single Ethernet MTU, anything
	// bigger is dropped.
	MaxDatagramSize = 4096

	// MaxTokenSize is the longest announce token accepted from a peer.
	// Longer tokens are truncated before they are stored or echoed.
	MaxTokenSize = 40

	// MaxTransactionIDSize bounds the "t" key of inbound messages.
	MaxTransactionIDSize = 20

	// MaxValuesPerResponse caps the number of peers returned by get_peers.
	MaxValuesPerResponse = 50

	// MaxWantEntries bounds the "want" list of find_node and get_peers.
	MaxWantEntries = 4
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram validates a received datagram against MaxDatagramSize.
func ValidateDatagram(data []byte) error {
	if err := ValidateMessageSize(data, MaxDatagramSize); err != nil {
		return fmt.Errorf("datagram: %w", err)
	}
	return nil
}

// ValidateTransactionID checks the length of a transaction id.
func ValidateTransactionID(mtid []byte) error {
	if err := ValidateMessageSize(mtid, MaxTransactionIDSize); err != nil {
		return fmt.Errorf("transaction id: %w", err)
	}
	return nil
}

// TruncateToken shortens token to MaxTokenSize bytes. The result never
// aliases the input.
func TruncateToken(token []byte) []byte {
	n := len(token)
	if n > MaxTokenSize {
		n = MaxTokenSize
	}
	out := make([]byte, n)
	copy(out, token[:n])
	return out
}
