// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package frame imposes message boundaries on a reliable byte stream.
//
// Each message is encoded as a fixed magic marker, a 4-byte little-endian
// payload length, and the payload itself:
//
//	"NetworkStreamWrapper " | len:uint32 | payload
//
// The marker guards against consuming traffic that was not produced by a
// conforming peer. A marker mismatch or an impossible length is reported as
// an error wrapping [ErrFraming], and is fatal to the connection: the format
// has no resynchronization point.
package frame

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Magic is the marker that precedes every frame on the wire.
const Magic = "NetworkStreamWrapper "

// HeaderLen is the number of bytes preceding the payload of a frame.
const HeaderLen = len(Magic) + 4

// DefaultMaxPayload is the largest payload accepted by Read when no other
// limit is set in Options.
const DefaultMaxPayload = 16 << 20

// ErrFraming is wrapped by errors reporting a framing violation.
var ErrFraming = errors.New("frame: framing violation")

// Encode encodes payload as a single frame.
func Encode(payload []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderLen+len(payload)))
	if _, err := WriteTo(buf, payload); err != nil {
		panic(fmt.Errorf("encoding frame: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes payload to w as a single frame, and reports the number of
// bytes written.
func WriteTo(w io.Writer, payload []byte) (int64, error) {
	var hdr [HeaderLen]byte
	copy(hdr[:], Magic)
	binary.LittleEndian.PutUint32(hdr[len(Magic):], uint32(len(payload)))
	nw, err := w.Write(hdr[:])
	if err == nil && len(payload) != 0 {
		var np int
		np, err = w.Write(payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a single frame from r and returns its payload. A frame
// announcing a payload of 2^31 bytes or more is a framing violation, since
// the sender encodes a signed 32-bit length. If max > 0, so is a frame
// announcing a payload longer than max.
func ReadFrom(r io.Reader, max int) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:len(Magic)]); err != nil {
		return nil, fmt.Errorf("short frame marker: %w", err)
	}
	if m := string(hdr[:len(Magic)]); m != Magic {
		return nil, fmt.Errorf("%w: invalid marker %q", ErrFraming, m)
	}
	if _, err := io.ReadFull(r, hdr[len(Magic):]); err != nil {
		return nil, fmt.Errorf("short frame length: %w", err)
	}
	size := binary.LittleEndian.Uint32(hdr[len(Magic):])
	if int32(size) < 0 || (max > 0 && int64(size) > int64(max)) {
		return nil, fmt.Errorf("%w: impossible length %d", ErrFraming, size)
	}

	payload := make([]byte, int(size))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short payload: %w", err)
	}
	return payload, nil
}

// Options are optional settings for a Conn. A nil *Options is ready for use
// and provides default values.
type Options struct {
	// ReadTimeout, if positive, bounds the time a single Read may wait for a
	// complete frame. It has effect only if the underlying stream supports
	// read deadlines (for example, a net.Conn).
	ReadTimeout time.Duration

	// MaxPayload is the largest payload Read will accept.
	// If zero, DefaultMaxPayload is used; if negative, any length below 2^31
	// is accepted.
	MaxPayload int

	// OnWrite, if set, is called with the number of bytes of each frame
	// successfully written. It is called with the write lock held.
	OnWrite func(n int)
}

func (o *Options) readTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.ReadTimeout
}

func (o *Options) maxPayload() int {
	if o == nil || o.MaxPayload == 0 {
		return DefaultMaxPayload
	} else if o.MaxPayload < 0 {
		return 0
	}
	return o.MaxPayload
}

func (o *Options) onWrite() func(int) {
	if o == nil {
		return nil
	}
	return o.OnWrite
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// A Conn sends and receives frames over a reliable stream.
//
// Write is safe for concurrent use by multiple goroutines; writers serialize
// on a shared lock. Read must be called from a single goroutine.
type Conn struct {
	r   *bufio.Reader
	rwc io.ReadWriteCloser
	dl  readDeadliner // nil if rwc does not support deadlines

	timeout time.Duration
	max     int
	onWrite func(int)

	out struct {
		// Must hold the lock to write to w.
		sync.Mutex
		w *bufio.Writer
	}
	lastWrite atomic.Int64 // unix nanoseconds
}

// New constructs a Conn that reads and writes frames on rwc.
func New(rwc io.ReadWriteCloser, opts *Options) *Conn {
	c := &Conn{
		r:       bufio.NewReader(rwc),
		rwc:     rwc,
		timeout: opts.readTimeout(),
		max:     opts.maxPayload(),
		onWrite: opts.onWrite(),
	}
	if dl, ok := rwc.(readDeadliner); ok {
		c.dl = dl
	}
	c.out.w = bufio.NewWriter(rwc)
	c.lastWrite.Store(time.Now().UnixNano())
	return c
}

// Write sends payload to the remote end as a single frame.
func (c *Conn) Write(payload []byte) error {
	c.out.Lock()
	defer c.out.Unlock()
	nw, err := WriteTo(c.out.w, payload)
	if err == nil {
		err = c.out.w.Flush()
	}
	if err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	if c.onWrite != nil {
		c.onWrite(int(nw))
	}
	return nil
}

// Read blocks until a complete frame is available and returns its payload.
// If a read timeout is configured and no complete frame arrives within it,
// Read reports an error wrapping os.ErrDeadlineExceeded.
func (c *Conn) Read() ([]byte, error) {
	if c.timeout > 0 && c.dl != nil {
		if err := c.dl.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}
	return ReadFrom(c.r, c.max)
}

// LastWrite reports when the most recent successful Write completed, or when
// c was created if nothing has been written yet.
func (c *Conn) LastWrite() time.Time { return time.Unix(0, c.lastWrite.Load()) }

// Close closes the underlying stream, causing pending reads and writes to
// fail.
func (c *Conn) Close() error { return c.rwc.Close() }
