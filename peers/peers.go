// Package peers provides support code for establishing and testing links.
package peers

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/lanpeer/peerlink/frame"
)

// Local is a pair of in-memory connected frame streams, suitable for testing.
type Local struct {
	A *frame.Conn
	B *frame.Conn
}

// Close closes both ends of the pair.
func (p *Local) Close() error {
	return errors.Join(p.A.Close(), p.B.Close())
}

// NewLocal creates a pair of in-memory connected frame streams, using a
// synchronous net.Pipe as the transport.
func NewLocal(opts *frame.Options) *Local {
	a, b := net.Pipe()
	return &Local{A: frame.New(a, opts), B: frame.New(b, opts)}
}

// An Accepter accepts inbound connections.
type Accepter interface {
	Accept(context.Context) (net.Conn, error)
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (net.Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	w := taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})
	defer func() { close(ok); w.Wait() }()

	conn, err := n.Listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

// A Race admits at most one connection as its winner. Any connection offered
// after the winner is chosen, or after the race has ended, is closed.
//
// A zero Race is not ready for use; use NewRace.
type Race struct {
	won chan struct{}

	μ       sync.Mutex
	winner  net.Conn
	inbound bool
	ended   bool
}

// NewRace constructs a new empty race.
func NewRace() *Race { return &Race{won: make(chan struct{})} }

// Offer proposes conn as the winner of r, and reports whether it won. If conn
// did not win, Offer closes it.
func (r *Race) Offer(conn net.Conn, inbound bool) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.ended || r.winner != nil {
		conn.Close()
		return false
	}
	r.winner, r.inbound = conn, inbound
	close(r.won)
	return true
}

// Won returns a channel that is closed when a winner is chosen.
func (r *Race) Won() <-chan struct{} { return r.won }

// Take ends the race and transfers ownership of the winner, if any, to the
// caller. It returns nil if no connection won.
func (r *Race) Take() (_ net.Conn, inbound bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.ended = true
	conn := r.winner
	r.winner = nil
	return conn, r.inbound
}

// Close ends the race and closes the winner, if one was chosen and not taken.
func (r *Race) Close() error {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.ended = true
	if r.winner == nil {
		return nil
	}
	err := r.winner.Close()
	r.winner = nil
	return err
}
