// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerlink

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/lanpeer/peerlink/beacon"
)

const (
	// DefaultListenPort is the TCP port on which peers accept connections.
	DefaultListenPort = 48888

	// DefaultTag is the beacon tag identifying compatible peers.
	DefaultTag = "PeerToPeerClient-beacon"

	// DefaultBeaconInterval is the default time between beacons.
	DefaultBeaconInterval = time.Second
)

// Discovery is the interface a Peer uses to find its counterpart.
// A *beacon.Client satisfies this interface.
type Discovery interface {
	// StartListening starts delivering beacons received from other hosts.
	StartListening(ctx context.Context) error

	// StopListening stops delivering beacons.
	StopListening()

	// Send broadcasts a beacon carrying tag.
	Send(ctx context.Context, tag string) error

	// Messages returns the channel on which received beacons are delivered.
	Messages() <-chan beacon.Message

	// NetworkLost reports, once, that the network was lost.
	NetworkLost() bool

	// LocalAddr reports the local address used for discovery.
	LocalAddr() netip.Addr

	Close() error
}

// Options configure a Peer. A nil *Options is ready for use and provides
// default values.
type Options struct {
	// ListenAddr is the address on which to accept inbound links.
	// Default: ":48888".
	ListenAddr string

	// PeerPort is the port on which the remote peer accepts links.
	// Default: DefaultListenPort.
	PeerPort int

	// Tag identifies compatible peers in beacons. Default: DefaultTag.
	Tag string

	// BeaconInterval is the time between beacons while discovering.
	// Default: DefaultBeaconInterval.
	BeaconInterval time.Duration

	// Liveness configures heartbeats and failure detection.
	Liveness Liveness

	// Discovery finds the remote peer. If nil, a beacon client with default
	// settings is used. The peer takes ownership of Discovery and closes it
	// when the peer is closed.
	Discovery Discovery

	// Dial, if set, is used in place of a net.Dialer to open outbound links.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	// Listen, if set, is used in place of a net.ListenConfig to open the
	// listener for inbound links.
	Listen func(ctx context.Context, network, address string) (net.Listener, error)

	// Logger receives diagnostic logs. Default: slog.Default().
	Logger *slog.Logger

	// MetricSink receives counters. Default: metrics.BlackholeSink.
	MetricSink metrics.MetricSink

	// MetricLabels are added to every metric emitted.
	MetricLabels []metrics.Label
}

func (o *Options) listenAddr() string {
	if o == nil || o.ListenAddr == "" {
		return ":" + strconv.Itoa(DefaultListenPort)
	}
	return o.ListenAddr
}

func (o *Options) peerPort() uint16 {
	if o == nil || o.PeerPort <= 0 {
		return DefaultListenPort
	}
	return uint16(o.PeerPort)
}

func (o *Options) tag() string {
	if o == nil || o.Tag == "" {
		return DefaultTag
	}
	return o.Tag
}

func (o *Options) beaconInterval() time.Duration {
	if o == nil || o.BeaconInterval <= 0 {
		return DefaultBeaconInterval
	}
	return o.BeaconInterval
}

func (o *Options) liveness() Liveness {
	if o == nil {
		return Liveness{}.withDefaults()
	}
	return o.Liveness.withDefaults()
}

func (o *Options) discovery() Discovery {
	if o == nil || o.Discovery == nil {
		return beacon.New(&beacon.Options{
			Logger:       o.logger(),
			MetricSink:   o.metricSink(),
			MetricLabels: o.metricLabels(),
		})
	}
	return o.Discovery
}

func (o *Options) dial() func(context.Context, string, string) (net.Conn, error) {
	if o == nil || o.Dial == nil {
		return new(net.Dialer).DialContext
	}
	return o.Dial
}

func (o *Options) listen() func(context.Context, string, string) (net.Listener, error) {
	if o == nil || o.Listen == nil {
		return new(net.ListenConfig).Listen
	}
	return o.Listen
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) metricSink() metrics.MetricSink {
	if o == nil || o.MetricSink == nil {
		return &metrics.BlackholeSink{}
	}
	return o.MetricSink
}

func (o *Options) metricLabels() []metrics.Label {
	if o == nil {
		return nil
	}
	return slices.Clip(o.MetricLabels)
}
