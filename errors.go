// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerlink

import (
	"errors"
	"io"
	"net"

	"github.com/lanpeer/peerlink/beacon"
)

var (
	// ErrNoNetwork is reported when no local network is available for
	// discovery, or when the network was lost and could not be recovered.
	ErrNoNetwork = beacon.ErrNoNetwork

	// ErrNotConnected is reported by operations that require a link when none
	// is established.
	ErrNotConnected = errors.New("peerlink: not connected")

	// ErrDisposed is reported by every operation on a peer after Close.
	ErrDisposed = errors.New("peerlink: peer is closed")

	// ErrReservedPayload is reported by Send for a payload that would be
	// indistinguishable from a heartbeat.
	ErrReservedPayload = errors.New("peerlink: payload is reserved")

	// ErrCanceled is reported by Connect when the attempt is abandoned by a
	// call to Disconnect or a later call to Connect.
	ErrCanceled = errors.New("peerlink: connect canceled")
)

// treatErrorAsSuccess reports whether err indicates an orderly shutdown of
// the link rather than a failure.
func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
