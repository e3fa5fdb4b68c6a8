// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerlink_test

import (
	"net"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/lanpeer/peerlink/frame"
	"github.com/lanpeer/peerlink/peers"
)

func BenchmarkFrame(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Pipe-empty", func(b *testing.B) {
		loc := peers.NewLocal(nil)
		defer loc.Close()
		runBench(b, loc.A, loc.B, nil)
	})
	b.Run("Pipe-text", func(b *testing.B) {
		loc := peers.NewLocal(nil)
		defer loc.Close()
		runBench(b, loc.A, loc.B, payload)
	})

	b.Run("TCP-empty", func(b *testing.B) {
		ca, cb := tcpConns(b)
		runBench(b, ca, cb, nil)
	})
	b.Run("TCP-text", func(b *testing.B) {
		ca, cb := tcpConns(b)
		runBench(b, ca, cb, payload)
	})
}

// runBench measures a round trip: a writes data, b echoes it back.
func runBench(b *testing.B, ca, cb *frame.Conn, data []byte) {
	b.Helper()
	echo := taskgroup.Go(func() error {
		for {
			msg, err := cb.Read()
			if err != nil {
				return nil
			}
			if err := cb.Write(msg); err != nil {
				return err
			}
		}
	})
	defer func() {
		cb.Close()
		if err := echo.Wait(); err != nil {
			b.Errorf("Echo: %v", err)
		}
	}()

	b.SetBytes(int64(len(data) + frame.HeaderLen))
	for b.Loop() {
		if err := ca.Write(data); err != nil {
			b.Fatal(err)
		}
		if _, err := ca.Read(); err != nil {
			b.Fatal(err)
		}
	}
}

func tcpConns(tb testing.TB) (ca, cb *frame.Conn) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("Listen: %v", err)
	}
	defer lst.Close()

	acc := taskgroup.Go(func() error {
		conn, err := lst.Accept()
		if err == nil {
			cb = frame.New(conn, nil)
		}
		return err
	})
	conn, err := net.Dial("tcp", lst.Addr().String())
	if err != nil {
		tb.Fatalf("Dial: %v", err)
	}
	if err := acc.Wait(); err != nil {
		conn.Close()
		tb.Fatalf("Accept: %v", err)
	}
	ca = frame.New(conn, nil)
	tb.Cleanup(func() { ca.Close(); cb.Close() })
	return
}
