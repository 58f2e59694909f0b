// Package dht implements the BitTorrent mainline DHT (BEP 5), a Kademlia
// variant used to find peers for an info-hash without a tracker.
//
// # Architecture
//
// Each node has a random 160-bit id and keeps two routing tables, one per
// IP version, that partition the key space into buckets of at most K
// contacts. Buckets containing our own id split when full; other full
// buckets replace bad contacts or ping questionable ones.
//
// Key components:
//
//   - RoutingTable and Bucket: contacts ordered by key range
//   - RPCServer: one-byte transaction ids, timeouts and a FIFO call queue
//   - NodeLookup and AnnounceTask: iterative searches
//   - TaskManager: admits tasks while enough transaction ids are free
//   - Database: announced peers and the tokens that protect announce_peer
//   - DHT: the facade that owns all of the above
//
// # Usage
//
//	d := dht.New(dht.DefaultConfig())
//	if err := d.Start("dht_table", "dht_key", 6881); err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Stop()
//
//	task, err := d.Announce(infoHash, 51413)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	<-task.Done()
//	fmt.Println(task.Peers())
//
// Start binds UDP sockets through the transport package by default. Tests
// pass WithTransportFactory to run nodes on a simnet.Network instead.
//
// # Concurrency
//
// Receive goroutines decode datagrams and queue them. A single processing
// goroutine owns routing, task, database and transaction state; timer
// callbacks and public API calls are posted to it. Exported DHT methods are
// safe for concurrent use. The lower level types (RoutingTable, Bucket,
// Database, TaskManager) are not and must only be used from one goroutine.
//
// # Time
//
// Time-dependent components take a TimeProvider so tests can drive the
// clock and timers deterministically.
package dht
