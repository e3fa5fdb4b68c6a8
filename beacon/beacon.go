// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package beacon sends and receives presence beacons as local-subnet UDP
// broadcast datagrams.
//
// A beacon is a short UTF-8 datagram consisting of a fixed marker prefix
// followed by an application tag. A [Client] sends beacons to the limited
// broadcast address and delivers the beacons it receives from other hosts on
// a bounded channel. Datagrams from the client's own address, or lacking the
// expected prefix, are dropped.
//
// To find a usable local address, a client consults an ordered list of
// [Source] values; see [DefaultSources].
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/go-metrics"
)

const (
	// DefaultPrefix is the marker carried at the front of every beacon.
	DefaultPrefix = "UdpBroadcastClient "

	// DefaultSendPort is the local port beacons are sent from.
	DefaultSendPort = 48888

	// DefaultRecvPort is the port beacons are sent to and received on.
	DefaultRecvPort = 48889

	// AnyPort may be used in Options to request an ephemeral port.
	AnyPort = -1

	maxDatagram = 1 << 16
)

var (
	// ErrNoNetwork is reported when no broadcast-capable local address is
	// available, or when sending failed and the client could not rebind.
	ErrNoNetwork = errors.New("beacon: no network available")

	// ErrClosed is reported by operations on a closed client.
	ErrClosed = errors.New("beacon: client is closed")
)

var (
	MetricBeaconSentCount    = []string{"peerlink", "beacon", "sent", "count"}
	MetricBeaconSendErrCount = []string{"peerlink", "beacon", "send", "error", "count"}
	MetricBeaconRecvCount    = []string{"peerlink", "beacon", "received", "count"}
	MetricBeaconDropCount    = []string{"peerlink", "beacon", "dropped", "count"}
	MetricBeaconRebindCount  = []string{"peerlink", "beacon", "rebind", "count"}
)

// DefaultBroadcast is the address beacons are sent to by default.
var DefaultBroadcast = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), DefaultRecvPort)

// A Message is a beacon received from another host.
type Message struct {
	Source netip.AddrPort // the sender's address
	Data   string         // the beacon with its prefix removed
}

// Options configure a Client. A nil *Options is ready for use and provides
// default values.
type Options struct {
	// Prefix is the marker prepended to every beacon. Received datagrams not
	// starting with Prefix are dropped. Default: DefaultPrefix.
	Prefix string

	// SendPort is the local port for sending. Default: DefaultSendPort.
	SendPort int

	// RecvPort is the local port for receiving. Default: DefaultRecvPort.
	RecvPort int

	// Broadcast is the destination of sent beacons. Default: DefaultBroadcast.
	Broadcast netip.AddrPort

	// Sources are consulted in order to find a local address.
	// Default: DefaultSources().
	Sources []Source

	// QueueLen is the capacity of the received message channel. When the
	// channel is full, newly received beacons are dropped. Default: 16.
	QueueLen int

	// Logger receives diagnostic logs. Default: slog.Default().
	Logger *slog.Logger

	// MetricSink receives counters. Default: metrics.BlackholeSink.
	MetricSink metrics.MetricSink

	// MetricLabels are added to every metric emitted.
	MetricLabels []metrics.Label
}

func (o *Options) prefix() string {
	if o == nil || o.Prefix == "" {
		return DefaultPrefix
	}
	return o.Prefix
}

func port(p, dflt int) int {
	switch {
	case p == 0:
		return dflt
	case p < 0:
		return 0
	}
	return p
}

func (o *Options) sendPort() int {
	if o == nil {
		return DefaultSendPort
	}
	return port(o.SendPort, DefaultSendPort)
}

func (o *Options) recvPort() int {
	if o == nil {
		return DefaultRecvPort
	}
	return port(o.RecvPort, DefaultRecvPort)
}

func (o *Options) broadcast() netip.AddrPort {
	if o == nil || !o.Broadcast.IsValid() {
		return DefaultBroadcast
	}
	return o.Broadcast
}

func (o *Options) sources() []Source {
	if o == nil || len(o.Sources) == 0 {
		return DefaultSources()
	}
	return o.Sources
}

func (o *Options) queueLen() int {
	if o == nil || o.QueueLen <= 0 {
		return 16
	}
	return o.QueueLen
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
	return o.MetricLabels
}

// A Client sends and receives beacons. Its methods are safe for concurrent
// use, but Messages must have a single consumer.
type Client struct {
	prefix    string
	sendPort  int
	recvPort  int
	target    netip.AddrPort
	sources   []Source
	log       *slog.Logger
	msink     metrics.MetricSink
	mlabels   []metrics.Label
	msgs      chan Message
	bound     atomic.Bool // a local address is bound and believed usable
	lost      atomic.Bool // a network-lost notification is pending
	listening atomic.Bool
	closed    atomic.Bool

	μ     sync.Mutex
	local netip.Addr
	send  *net.UDPConn
	recv  *net.UDPConn
	rtask *taskgroup.Group // the receive loop, nil if not running
}

// New constructs an unbound client. The client binds on first use, or when
// Bind is called.
func New(opts *Options) *Client {
	return &Client{
		prefix:   opts.prefix(),
		sendPort: opts.sendPort(),
		recvPort: opts.recvPort(),
		target:   opts.broadcast(),
		sources:  opts.sources(),
		log:      opts.logger(),
		msink:    opts.metricSink(),
		mlabels:  slices.Clip(opts.metricLabels()),
		msgs:     make(chan Message, opts.queueLen()),
	}
}

// Bind resolves a local address and opens the sockets used for sending and
// receiving, replacing any previously bound. If no address can be found, or
// the sockets cannot be opened, Bind reports an error wrapping ErrNoNetwork.
func (c *Client) Bind(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.bindLocked(ctx)
}

func (c *Client) bindLocked(ctx context.Context) error {
	c.closeLocked()

	addr, src, err := Resolve(ctx, c.sources)
	if err != nil {
		return err
	}
	send, err := net.ListenUDP("udp4", &net.UDPAddr{IP: addr.AsSlice(), Port: c.sendPort})
	if err != nil {
		return fmt.Errorf("%w: open send socket: %w", ErrNoNetwork, err)
	}
	// Broadcasts are only delivered to sockets bound to the wildcard address.
	recv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: c.recvPort})
	if err != nil {
		send.Close()
		return fmt.Errorf("%w: open receive socket: %w", ErrNoNetwork, err)
	}
	c.local, c.send, c.recv = addr, send, recv
	c.bound.Store(true)
	c.log.Debug("beacon client bound", "addr", addr, "source", src.Name,
		"recv", recv.LocalAddr())

	if c.listening.Load() {
		c.startRecvLocked()
	}
	return nil
}

// closeLocked closes the sockets and waits for the receive loop to exit.
func (c *Client) closeLocked() {
	c.bound.Store(false)
	if c.send != nil {
		c.send.Close()
		c.send = nil
	}
	if c.recv != nil {
		c.recv.Close()
		c.recv = nil
	}
	c.waitRecvLocked()
}

func (c *Client) waitRecvLocked() {
	if c.rtask != nil {
		c.rtask.Wait()
		c.rtask = nil
	}
}

func (c *Client) startRecvLocked() {
	if c.rtask != nil {
		return
	}
	conn, local := c.recv, c.local
	conn.SetReadDeadline(time.Time{})
	g := taskgroup.New(nil)
	g.Go(func() error { c.receive(conn, local); return nil })
	c.rtask = g
}

// StartListening starts delivering received beacons to Messages, binding the
// client first if necessary. Calling StartListening while the client is
// already listening has no effect.
func (c *Client) StartListening(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if !c.bound.Load() {
		if err := c.bindLocked(ctx); err != nil {
			return err
		}
	}
	if c.listening.Swap(true) && c.rtask != nil {
		return nil
	}
	c.startRecvLocked()
	return nil
}

// StopListening stops the receive loop and waits for it to exit. Beacons
// received but not yet read from Messages are discarded.
func (c *Client) StopListening() {
	if !c.listening.Swap(false) {
		return
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.recv != nil {
		c.recv.SetReadDeadline(time.Now()) // unblock the pending read
	}
	c.waitRecvLocked()
	if n := c.discardLocked(); n > 0 {
		c.log.Debug("discarded unread beacons", "count", n)
	}
}

// discardLocked empties the message channel without blocking.
func (c *Client) discardLocked() (n int) {
	for {
		select {
		case _, ok := <-c.msgs:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Messages returns the channel on which received beacons are delivered.
// The channel is closed when c is closed.
func (c *Client) Messages() <-chan Message { return c.msgs }

// LocalAddr reports the bound local address, or the zero Addr if c is not
// bound.
func (c *Client) LocalAddr() netip.Addr {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.local
}

// RecvAddr reports the address of the receive socket, or nil if c is not
// bound.
func (c *Client) RecvAddr() net.Addr {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.recv == nil {
		return nil
	}
	return c.recv.LocalAddr()
}

// NetworkLost reports whether the network was lost since the previous call.
// It reports true at most once per loss.
func (c *Client) NetworkLost() bool { return c.lost.Swap(false) }

// Send broadcasts a beacon carrying tag. If the transmission fails, the
// client rebinds once; if that also fails, Send reports an error wrapping
// ErrNoNetwork and arms the notification reported by NetworkLost.
func (c *Client) Send(ctx context.Context, tag string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if !c.bound.Load() {
		if err := c.bindLocked(ctx); err != nil {
			return err
		}
	}

	if _, err := c.send.WriteToUDPAddrPort([]byte(c.prefix+tag), c.target); err != nil {
		c.msink.IncrCounterWithLabels(MetricBeaconSendErrCount, 1, c.mlabels)
		c.log.Warn("beacon send failed, rebinding", "target", c.target, "error", err)
		c.msink.IncrCounterWithLabels(MetricBeaconRebindCount, 1, c.mlabels)
		if berr := c.bindLocked(ctx); berr != nil {
			c.lost.Store(true)
			return berr
		}
		return nil
	}
	c.msink.IncrCounterWithLabels(MetricBeaconSentCount, 1, c.mlabels)
	return nil
}

// Close closes the sockets of c, stops the receive loop, and closes the
// Messages channel. After Close, other methods report ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.listening.Store(false)
	c.μ.Lock()
	defer c.μ.Unlock()
	c.closeLocked()
	close(c.msgs)
	return nil
}

func (c *Client) receive(conn *net.UDPConn, local netip.Addr) {
	buf := make([]byte, maxDatagram)
	for {
		nr, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			c.log.Warn("beacon receive failed", "error", err)
			c.bound.Store(false)
			c.lost.Store(true)
			return
		}

		msg, err := parse(c.prefix, local, src, buf[:nr])
		if err != nil {
			c.msink.IncrCounterWithLabels(MetricBeaconDropCount, 1,
				append(c.mlabels, metrics.Label{Name: "reason", Value: err.Error()}))
			c.log.Debug("dropped datagram", "source", src, "reason", err)
			continue
		}

		select {
		case c.msgs <- msg:
			c.msink.IncrCounterWithLabels(MetricBeaconRecvCount, 1, c.mlabels)
		default:
			c.msink.IncrCounterWithLabels(MetricBeaconDropCount, 1,
				append(c.mlabels, metrics.Label{Name: "reason", Value: "queue full"}))
			c.log.Debug("dropped beacon, queue full", "source", src)
		}
	}
}

var (
	errOwnAddress = errors.New("own address")
	errForeign    = errors.New("foreign prefix")
)

// parse checks whether data received from src is a beacon acceptable to a
// client bound to local, and if so returns it as a Message.
func parse(prefix string, local netip.Addr, src netip.AddrPort, data []byte) (Message, error) {
	if src.Addr().Unmap() == local {
		return Message{}, errOwnAddress
	}
	s := string(data)
	if !strings.HasPrefix(s, prefix) || !utf8.ValidString(s) {
		return Message{}, errForeign
	}
	return Message{
		Source: netip.AddrPortFrom(src.Addr().Unmap(), src.Port()),
		Data:   s[len(prefix):],
	}, nil
}
