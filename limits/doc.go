// Package limits provides centralized size constants and validation functions
// for the DHT wire protocol. Every component that touches untrusted input
// checks it against the same numbers.
//
// # Size Limits
//
//   - MaxDatagramSize (4096 bytes): the largest UDP payload read from the
//     socket. KRPC messages are small, larger datagrams are discarded before
//     decoding.
//
//   - MaxTokenSize (40 bytes): announce tokens received in get_peers
//     responses are truncated to this length.
//
//   - MaxTransactionIDSize (20 bytes): upper bound on the "t" key.
//
//   - MaxValuesPerResponse (50): the number of peers sampled into a
//     get_peers response.
//
// # Validation Functions
//
//	if err := limits.ValidateDatagram(buf); err != nil {
//	    // drop it
//	}
//
// For custom size limits, use the generic ValidateMessageSize function:
//
//	err := limits.ValidateMessageSize(data, 1024)
//
// # Error Types
//
//   - ErrMessageEmpty: Returned when an empty or nil message is provided
//   - ErrMessageTooLarge: Returned when message exceeds the specified limit
package limits
