// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peerlink finds another instance of the same application on the
// local network and maintains a single message-oriented link to it.
//
// Discovery uses UDP broadcast beacons (package [beacon]). Once a compatible
// peer is found, the two instances race to connect over TCP: each accepts an
// inbound connection and dials the address learned from the beacon, and the
// first connection established wins. Messages on the link are framed as
// described in package [frame].
//
// # Peers
//
// The core type defined by this package is the [Peer]. To create a peer with
// default settings:
//
//	p := peerlink.NewPeer(nil)
//	defer p.Close()
//
// To discover the remote peer and connect to it, call Connect. It blocks
// until a link is established or its context ends:
//
//	if err := p.Connect(ctx); err != nil {
//	   log.Fatalf("Connect: %v", err)
//	}
//
// Messages received on a new link are held until the caller enables delivery
// with StartReceiving. After that, Poll reports received messages along with
// events describing changes to the link:
//
//	p.StartReceiving()
//	u, err := p.Poll()
//	for _, msg := range u.Messages { ... }
//	for _, evt := range u.Events { ... }
//
// To send a message to the remote peer:
//
//	if err := p.Send([]byte("place-cell:1,2")); err != nil { ... }
//
// # Liveness
//
// A connected peer writes a heartbeat whenever the link has been idle for the
// heartbeat interval, and closes the link if nothing arrives from the remote
// peer within the liveness timeout. Heartbeats are not reported by Poll. See
// [Liveness].
//
// # Events
//
// Poll reports an [EventDisconnected] exactly once for each link that ends,
// whether closed by either end or failed. It reports [EventNetworkLost] when
// the discovery network becomes unusable.
//
// # Metrics
//
// A peer emits counters to the MetricSink given in its [Options].
// The keys are the Metric* variables of this package and package [beacon].
package peerlink
