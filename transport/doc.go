// Package transport provides the UDP datagram transport used by the DHT.
//
// # Architecture
//
// A UDPTransport owns one IPv4 and one IPv6 socket bound to the same port.
// Datagrams are addressed with netip.AddrPort; IPv4-mapped IPv6 addresses
// are unmapped on both send and receive so the DHT sees one form per host.
//
//	tr, err := transport.ListenUDP(6881, rate.Limit(250), 50)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
//	go tr.Serve(ctx, func(data []byte, from netip.AddrPort) {
//	    // decode data
//	})
//
// # Read Loops
//
// Serve runs one read loop per socket under an errgroup. Each read uses a
// short deadline so the loops notice context cancellation; Close makes
// them return without error.
//
// # Rate Limiting
//
// Sends are metered with a token bucket from golang.org/x/time/rate. When
// the budget is exhausted Send returns ErrRateLimited and the datagram is
// dropped; the DHT treats that like any other lost datagram.
package transport
