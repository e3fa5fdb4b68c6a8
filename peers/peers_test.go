// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/lanpeer/peerlink/peers"
)

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking. It records whether it was closed.
type fakeConn struct {
	net.Conn
	id     int
	closed *atomic.Bool
}

func newFakeConn(id int) fakeConn { return fakeConn{id: id, closed: new(atomic.Bool)} }

func (f fakeConn) Close() error { f.closed.Store(true); return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)

			want := newFakeConn(1)
			time.AfterFunc(1*time.Second, func() { lst.push(want) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if got, ok := c.(fakeConn); !ok || got.id != want.id {
				t.Errorf("Accept: got %[1]T %[1]v, want %v", c, want)
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			c, err := acc.Accept(ctx)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Accept: got (%v, %v), want %v", c, err, context.DeadlineExceeded)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

func TestRace(t *testing.T) {
	defer leaktest.Check(t)()

	const numConns = 20
	conns := make([]fakeConn, numConns)
	for i := range conns {
		conns[i] = newFakeConn(i)
	}

	r := peers.NewRace()
	var wins atomic.Int32
	g := taskgroup.New(nil)
	for i, c := range conns {
		g.Go(func() error {
			if r.Offer(c, i%2 == 0) {
				wins.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	select {
	case <-r.Won():
	default:
		t.Fatal("Race has no winner")
	}
	if n := wins.Load(); n != 1 {
		t.Fatalf("Got %d winners, want 1", n)
	}

	got, inbound := r.Take()
	w, ok := got.(fakeConn)
	if !ok {
		t.Fatalf("Take: got %T, want fakeConn", got)
	}
	if inbound != (w.id%2 == 0) {
		t.Errorf("Take: inbound = %v for conn %d", inbound, w.id)
	}

	var open []int
	for _, c := range conns {
		if !c.closed.Load() {
			open = append(open, c.id)
		}
	}
	if diff := cmp.Diff([]int{w.id}, open); diff != "" {
		t.Errorf("Open conns (-want, +got):\n%s", diff)
	}

	// After the race ends, every offer loses.
	late := newFakeConn(99)
	if r.Offer(late, false) {
		t.Error("Offer after Take won")
	}
	if !late.closed.Load() {
		t.Error("Late offer was not closed")
	}
	if c, _ := r.Take(); c != nil {
		t.Errorf("Second Take: got %v, want nil", c)
	}
}

func TestRaceClose(t *testing.T) {
	t.Run("Winner", func(t *testing.T) {
		r := peers.NewRace()
		c := newFakeConn(1)
		if !r.Offer(c, true) {
			t.Fatal("First offer did not win")
		}
		if err := r.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
		if !c.closed.Load() {
			t.Error("Untaken winner was not closed")
		}
		if got, _ := r.Take(); got != nil {
			t.Errorf("Take after Close: got %v, want nil", got)
		}
	})
	t.Run("Empty", func(t *testing.T) {
		r := peers.NewRace()
		if err := r.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
		c := newFakeConn(2)
		if r.Offer(c, false) {
			t.Error("Offer after Close won")
		}
		if !c.closed.Load() {
			t.Error("Offer after Close was not closed")
		}
	})
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(nil)
	defer loc.Close()

	done := taskgroup.Go(func() error { return loc.A.Write([]byte("ping")) })
	got, err := loc.B.Read()
	if err != nil {
		t.Fatalf("Read: unexpected error: %v", err)
	}
	if err := done.Wait(); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("Read: got %q, want %q", got, "ping")
	}
}
