// Package simnet provides an in-memory datagram network for tests and
// demos. Endpoints behave like UDP sockets; the network queues every
// datagram until Flush or Run delivers it, can drop a fraction of them and
// can make individual addresses unresponsive.
package simnet
