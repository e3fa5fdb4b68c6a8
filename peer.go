// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/lanpeer/peerlink/beacon"
	"github.com/lanpeer/peerlink/frame"
	"github.com/lanpeer/peerlink/peers"
)

// State is the connection state of a Peer.
type State int32

const (
	StateIdle         State = iota // not connected, not discovering
	StateDiscovering               // a connect cycle is in progress
	StateConnected                 // a link is established
	StateDisconnected              // the most recent link ended
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// errCycleDone is the cancellation cause of a cycle that chose a winner.
var errCycleDone = errors.New("connect cycle complete")

// A Peer finds another instance of the same application on the local network
// and maintains a single framed link to it.
//
// Call Connect to discover the remote peer and establish a link. Once
// connected, Send delivers messages to the remote peer, and Poll reports
// messages received from it along with notifications about the link. All the
// methods of a Peer are safe for concurrent use by multiple goroutines.
//
// A Peer holds at most one link at a time. Calling Connect while a link is
// established closes that link first. Call Close to release all resources;
// after Close, every method reports ErrDisposed.
type Peer struct {
	listenAddr string
	peerPort   uint16
	tag        string
	interval   time.Duration
	live       Liveness
	disc       Discovery
	dial       func(context.Context, string, string) (net.Conn, error)
	listen     func(context.Context, string, string) (net.Listener, error)
	log        *slog.Logger
	msink      metrics.MetricSink
	mlabels    []metrics.Label

	state     atomic.Int32 // State
	disposed  atomic.Bool
	receiving atomic.Bool
	inbox     *mailbox[[]byte] // unbounded, so reads never stall
	events    *mailbox[Event]

	// Must hold cmu to start or end a connect cycle or a link.
	cmu sync.Mutex

	μ       sync.Mutex
	cyc     *cycle  // the connect cycle in progress, or nil
	link    *link   // the established link, or nil
	retired []*link // links ended by failure, not yet joined
}

// A cycle is a single attempt to discover and connect to the remote peer.
type cycle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	tasks  *taskgroup.Group
	race   *peers.Race
	local  netip.AddrPort // our address as seen by the remote peer
	log    *slog.Logger
}

// A link is an established connection to the remote peer.
type link struct {
	conn    *frame.Conn
	remote  net.Addr
	inbound bool
	cancel  context.CancelFunc
	tasks   *taskgroup.Group
	log     *slog.Logger
}

func (l *link) close() { l.cancel(); l.conn.Close() }

// NewPeer constructs a new idle peer with the given options. A nil opts
// provides default values. NewPeer panics if the options are invalid.
func NewPeer(opts *Options) *Peer {
	live := opts.liveness()
	if err := live.check(); err != nil {
		panic(fmt.Sprintf("invalid options: %v", err))
	}
	return &Peer{
		listenAddr: opts.listenAddr(),
		peerPort:   opts.peerPort(),
		tag:        opts.tag(),
		interval:   opts.beaconInterval(),
		live:       live,
		disc:       opts.discovery(),
		dial:       opts.dial(),
		listen:     opts.listen(),
		log:        opts.logger(),
		msink:      opts.metricSink(),
		mlabels:    opts.metricLabels(),
		inbox:      newMailbox[[]byte](0),
		events:     newMailbox[Event](32),
	}
}

// NetworkAvailable reports whether a local network suitable for discovery is
// available.
func NetworkAvailable(ctx context.Context) bool { return beacon.NetworkAvailable(ctx) }

// State reports the current connection state of p.
func (p *Peer) State() State { return State(p.state.Load()) }

// Inbound reports whether the current link was accepted from the remote peer,
// as opposed to dialed by p. It reports false if p is not connected.
func (p *Peer) Inbound() bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.link != nil && p.link.inbound
}

// RemoteAddr reports the address of the remote end of the current link, or
// nil if p is not connected.
func (p *Peer) RemoteAddr() net.Addr {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.link == nil {
		return nil
	}
	return p.link.remote
}

// Connect discovers the remote peer and establishes a link to it, blocking
// until the link is established. Any existing link is closed first, reporting
// EventDisconnected.
//
// While discovering, p broadcasts a beacon every beacon interval and accepts
// inbound connections. Each beacon received from a compatible peer starts an
// outbound dial. The first connection established wins; all others are
// closed.
//
// Connect reports an error wrapping ErrNoNetwork if no network is available
// or the network is lost while discovering. If ctx ends before a link is
// established, Connect returns ctx.Err(). If the attempt is abandoned by a
// call to Disconnect or Connect, it reports ErrCanceled, and if p is closed it
// reports ErrDisposed. The absence of a remote peer is not an error.
func (p *Peer) Connect(ctx context.Context) error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	p.cmu.Lock()
	p.reset(ErrCanceled)
	cyc, err := p.startCycle(ctx)
	p.cmu.Unlock()
	if err != nil {
		return err
	}
	return p.await(ctx, cyc)
}

func (p *Peer) startCycle(ctx context.Context) (*cycle, error) {
	if p.disposed.Load() {
		return nil, ErrDisposed
	}
	if err := p.disc.StartListening(ctx); err != nil {
		if errors.Is(err, beacon.ErrClosed) {
			return nil, ErrDisposed
		}
		return nil, err
	}
	lst, err := p.listen(ctx, "tcp", p.listenAddr)
	if err != nil {
		p.disc.StopListening()
		return nil, fmt.Errorf("listen for peers: %w", err)
	}

	id := uuid.NewString()
	cctx, cancel := context.WithCancelCause(context.Background())
	cyc := &cycle{
		ctx:    cctx,
		cancel: cancel,
		tasks:  taskgroup.New(nil),
		race:   peers.NewRace(),
		local:  netip.AddrPortFrom(p.disc.LocalAddr(), listenPort(lst)),
		log:    p.log.With(LabelCycle.L(id)),
	}
	p.μ.Lock()
	p.cyc = cyc
	p.μ.Unlock()
	p.state.Store(int32(StateDiscovering))
	cyc.log.Info("discovering peers", LabelState.L(StateDiscovering), "listen", lst.Addr().String(), "local", cyc.local.String())

	cyc.tasks.Go(func() error { p.acceptOne(cyc, lst); return nil })
	cyc.tasks.Go(func() error { p.advertise(cyc); return nil })
	return cyc, nil
}

func listenPort(lst net.Listener) uint16 {
	if ta, ok := lst.Addr().(*net.TCPAddr); ok {
		return uint16(ta.Port)
	}
	return 0
}

// await waits for cyc to choose a winner or end, and if it won starts a link
// on the winning connection.
func (p *Peer) await(ctx context.Context, cyc *cycle) error {
	select {
	case <-cyc.race.Won():
	case <-ctx.Done():
		cyc.cancel(ctx.Err())
	case <-cyc.ctx.Done():
	}
	cyc.cancel(errCycleDone)
	cyc.tasks.Wait()

	p.cmu.Lock()
	defer p.cmu.Unlock()
	p.μ.Lock()
	if p.cyc != cyc {
		// Another caller abandoned this cycle and released its resources.
		p.μ.Unlock()
		if p.disposed.Load() {
			return ErrDisposed
		}
		return ErrCanceled
	}
	p.cyc = nil
	conn, inbound := cyc.race.Take()
	if conn != nil {
		p.startLinkLocked(cyc, conn, inbound)
	} else {
		p.state.CompareAndSwap(int32(StateDiscovering), int32(StateIdle))
	}
	p.μ.Unlock()
	p.disc.StopListening()

	if conn == nil {
		err := context.Cause(cyc.ctx)
		cyc.log.Info("discovery ended", LabelState.L(StateIdle), LabelError.L(err))
		return err
	}
	return nil
}

// acceptOne accepts a single inbound connection and offers it to the race.
func (p *Peer) acceptOne(cyc *cycle, lst net.Listener) {
	defer lst.Close()
	conn, err := peers.NetAccepter(lst).Accept(cyc.ctx)
	if err != nil {
		if cyc.ctx.Err() == nil {
			cyc.log.Warn("accept failed", LabelError.L(err))
		}
		return
	}
	p.msink.IncrCounterWithLabels(MetricAcceptCount, 1, p.mlabels)
	p.offer(cyc, conn, true)
}

// advertise broadcasts beacons until cyc ends, and dials each compatible
// peer that answers.
func (p *Peer) advertise(cyc *cycle) {
	for {
		if err := p.disc.Send(cyc.ctx, p.tag); err != nil {
			if cyc.ctx.Err() == nil {
				if errors.Is(err, beacon.ErrClosed) {
					err = ErrDisposed
				}
				cyc.log.Warn("beacon failed", LabelError.L(err))
				cyc.cancel(err)
			}
			return
		}

		wait := time.NewTimer(p.interval)
	listen:
		for {
			select {
			case <-cyc.ctx.Done():
				wait.Stop()
				return
			case <-wait.C:
				break listen
			case msg, ok := <-p.disc.Messages():
				if !ok {
					wait.Stop()
					cyc.cancel(ErrDisposed)
					return
				}
				if msg.Data != p.tag {
					cyc.log.Debug("ignored beacon", LabelRemote.L(msg.Source.String()), "tag", msg.Data)
					continue
				}
				p.dialPeer(cyc, msg.Source.Addr())
			}
		}
	}
}

// dialsFirst reports whether the peer at local dials the peer at remote
// without delay. Of two distinct endpoints, exactly one dials first.
func dialsFirst(local, remote netip.AddrPort) bool { return local.Compare(remote) < 0 }

// dialPeer starts an outbound dial to the peer at addr, and offers the
// connection to the race if it succeeds.
func (p *Peer) dialPeer(cyc *cycle, addr netip.Addr) {
	remote := netip.AddrPortFrom(addr, p.peerPort)
	var delay time.Duration
	if !dialsFirst(cyc.local, remote) {
		// The remote peer hears our beacons at least once per interval, so
		// its dial to us lands well before this one fires.
		delay = 2 * p.interval
	}
	cyc.tasks.Go(func() error {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-cyc.ctx.Done():
				return nil
			case <-t.C:
			}
		}
		p.msink.IncrCounterWithLabels(MetricDialCount, 1, p.mlabels)
		conn, err := p.dial(cyc.ctx, "tcp", remote.String())
		if err != nil {
			if cyc.ctx.Err() == nil {
				p.msink.IncrCounterWithLabels(MetricDialErrorCount, 1, p.mlabels)
				cyc.log.Debug("dial failed", LabelRemote.L(remote.String()), LabelError.L(err))
			}
			return nil
		}
		p.offer(cyc, conn, false)
		return nil
	})
}

func (p *Peer) offer(cyc *cycle, conn net.Conn, inbound bool) {
	remote := conn.RemoteAddr().String()
	if !cyc.race.Offer(conn, inbound) {
		p.msink.IncrCounterWithLabels(MetricRaceLostCount, 1, p.mlabels)
		cyc.log.Debug("closed losing connection", LabelRemote.L(remote), LabelDirection.L(direction(inbound)))
		return
	}
	cyc.log.Debug("connection won", LabelRemote.L(remote), LabelDirection.L(direction(inbound)))
	cyc.cancel(errCycleDone)
}

// startLinkLocked starts a link on conn. The caller must hold p.μ.
func (p *Peer) startLinkLocked(cyc *cycle, conn net.Conn, inbound bool) {
	lctx, cancel := context.WithCancel(context.Background())
	l := &link{
		remote:  conn.RemoteAddr(),
		inbound: inbound,
		cancel:  cancel,
		tasks:   taskgroup.New(nil),
		log: cyc.log.With(LabelRemote.L(conn.RemoteAddr().String()),
			LabelDirection.L(direction(inbound))),
	}
	l.conn = frame.New(conn, &frame.Options{
		ReadTimeout: p.live.Timeout,
		OnWrite: func(n int) {
			p.msink.IncrCounterWithLabels(MetricBytesOut, float32(n), p.mlabels)
		},
	})
	if n := p.inbox.clear(); n > 0 {
		l.log.Debug("discarded messages from an earlier link", "count", n)
	}
	p.link = l
	p.receiving.Store(false)
	p.state.Store(int32(StateConnected))
	p.msink.IncrCounterWithLabels(MetricConnectCount, 1,
		append(p.mlabels, LabelDirection.M(direction(inbound))))
	l.log.Info("connected", LabelState.L(StateConnected))

	l.tasks.Go(func() error { p.readLoop(l); return nil })
	l.tasks.Go(func() error {
		err := p.live.keepAlive(lctx, l.conn, func() {
			p.msink.IncrCounterWithLabels(MetricHeartbeatCount, 1, p.mlabels)
		})
		if err != nil {
			p.fail(l, err)
		}
		return nil
	})
}

// readLoop receives frames from l until it fails, queueing all but
// heartbeats for delivery by Poll. It never waits for the caller to poll, so
// the read timeout applies even while messages are waiting.
func (p *Peer) readLoop(l *link) {
	for {
		msg, err := l.conn.Read()
		if err != nil {
			p.fail(l, err)
			return
		}
		if isHeartbeat(msg) {
			continue
		}
		p.msink.IncrCounterWithLabels(MetricMessageInCount, 1, p.mlabels)
		p.inbox.add(msg)
	}
}

// fail ends l after a read or write failure. Only the first failure reported
// for the current link has any effect.
func (p *Peer) fail(l *link, err error) {
	p.μ.Lock()
	if p.link != l {
		p.μ.Unlock()
		return
	}
	p.link = nil
	p.retired = append(p.retired, l)
	if treatErrorAsSuccess(err) {
		err = nil
	}
	p.disconnectedLocked(l, err)
	p.μ.Unlock()
	l.close()
}

// disconnectedLocked records the end of l. The caller must hold p.μ.
func (p *Peer) disconnectedLocked(l *link, cause error) {
	if !p.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return
	}
	if cause != nil {
		l.log.Warn("disconnected", LabelState.L(StateDisconnected), LabelError.L(cause))
	} else {
		l.log.Info("disconnected", LabelState.L(StateDisconnected))
	}
	p.msink.IncrCounterWithLabels(MetricDisconnectCount, 1, p.mlabels)
	p.emit(Event{Kind: EventDisconnected, Err: cause})
}

func (p *Peer) emit(e Event) {
	if p.events.add(e) {
		p.msink.IncrCounterWithLabels(MetricEventDropCount, 1, p.mlabels)
	}
}

// reset abandons the connect cycle in progress and closes the established
// link, if either exists, and waits for their goroutines to exit. The caller
// must hold p.cmu.
func (p *Peer) reset(cause error) {
	p.μ.Lock()
	cyc, l, retired := p.cyc, p.link, p.retired
	p.cyc, p.link, p.retired = nil, nil, nil
	if l != nil {
		p.disconnectedLocked(l, nil)
	}
	p.μ.Unlock()

	if cyc != nil {
		cyc.race.Close()
		cyc.cancel(cause)
		cyc.tasks.Wait()
		p.disc.StopListening()
		p.state.CompareAndSwap(int32(StateDiscovering), int32(StateIdle))
		cyc.log.Info("discovery abandoned", LabelError.L(cause))
	}
	if l != nil {
		l.close()
		retired = append(retired, l)
	}
	for _, r := range retired {
		r.tasks.Wait()
	}
}

// Send delivers payload to the remote peer as a single message. If the write
// fails, the link is closed and Send reports an error wrapping
// ErrNotConnected.
func (p *Peer) Send(payload []byte) error {
	if p.disposed.Load() {
		return ErrDisposed
	} else if isHeartbeat(payload) {
		return ErrReservedPayload
	}
	p.μ.Lock()
	l := p.link
	p.μ.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	if err := l.conn.Write(payload); err != nil {
		p.fail(l, err)
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	p.msink.IncrCounterWithLabels(MetricMessageOutCount, 1, p.mlabels)
	return nil
}

// StartReceiving enables delivery of received messages by Poll. Messages
// that arrive while delivery is disabled are held until it is enabled. Each
// new link starts with delivery disabled, and messages held from an earlier
// link are discarded.
func (p *Peer) StartReceiving() error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.link == nil {
		return ErrNotConnected
	}
	if p.receiving.Swap(true) {
		p.log.Warn("already receiving")
	}
	return nil
}

// StopReceiving disables delivery of received messages by Poll.
func (p *Peer) StopReceiving() error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	p.receiving.Store(false)
	return nil
}

// Poll reports, without blocking, the messages received since the previous
// call, if delivery is enabled, followed by any pending events.
func (p *Peer) Poll() (Update, error) {
	if p.disposed.Load() {
		return Update{}, ErrDisposed
	}
	var u Update
	if p.receiving.Load() {
		u.Messages = p.inbox.drain()
	}
	if p.disc.NetworkLost() {
		p.log.Warn("network lost")
		p.emit(Event{Kind: EventNetworkLost})
	}
	u.Events = p.events.drain()
	return u, nil
}

// Disconnect abandons a connect cycle in progress and closes the current
// link, if either exists. It blocks until all their goroutines have exited.
func (p *Peer) Disconnect() error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	p.cmu.Lock()
	defer p.cmu.Unlock()
	p.reset(ErrCanceled)
	return nil
}

// Close disconnects p and releases all its resources. After Close, all
// methods of p report ErrDisposed, including Close itself.
func (p *Peer) Close() error {
	if !p.disposed.CompareAndSwap(false, true) {
		return ErrDisposed
	}
	p.cmu.Lock()
	defer p.cmu.Unlock()
	p.reset(ErrDisposed)
	if err := p.disc.Close(); err != nil && !errors.Is(err, beacon.ErrClosed) {
		return err
	}
	return nil
}
