// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerlink

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// heartbeat is the reserved payload exchanged to keep an idle link alive.
// It begins with a byte that never occurs in UTF-8 text.
var heartbeat = []byte("\xffpeerlink:heartbeat")

func isHeartbeat(msg []byte) bool { return bytes.Equal(msg, heartbeat) }

const (
	// DefaultHeartbeatInterval is the default value of Liveness.Interval.
	DefaultHeartbeatInterval = time.Second

	// DefaultLivenessTimeout is the default value of Liveness.Timeout.
	DefaultLivenessTimeout = 3 * time.Second
)

// Liveness configures failure detection on an established link.
//
// Each end writes a heartbeat whenever it has not written anything for
// Interval, and treats a link on which nothing has been received for Timeout
// as lost. Timeout must be at least twice Interval, so that a live remote end
// always writes something before the local end gives up on it.
type Liveness struct {
	Interval time.Duration // default: DefaultHeartbeatInterval
	Timeout  time.Duration // default: 3 * Interval
}

func (lv Liveness) withDefaults() Liveness {
	if lv.Interval <= 0 {
		lv.Interval = DefaultHeartbeatInterval
	}
	if lv.Timeout <= 0 {
		lv.Timeout = lv.Interval * (DefaultLivenessTimeout / DefaultHeartbeatInterval)
	}
	return lv
}

func (lv Liveness) check() error {
	if lv.Interval/2 <= 0 {
		return fmt.Errorf("heartbeat interval %v is too short", lv.Interval)
	}
	if lv.Timeout < 2*lv.Interval {
		return fmt.Errorf("liveness timeout %v must be at least twice the heartbeat interval %v", lv.Timeout, lv.Interval)
	}
	return nil
}

// due reports whether a heartbeat should be sent at now, given that the last
// write completed at last.
func (lv Liveness) due(last, now time.Time) bool { return now.Sub(last) >= lv.Interval }

// A heartbeater is the subset of a framed connection used by keepAlive.
type heartbeater interface {
	Write([]byte) error
	LastWrite() time.Time
}

// keepAlive writes heartbeats to c until ctx ends or a write fails. Checking
// at half the interval bounds the gap between writes to 1.5 intervals.
// The beat callback, if non-nil, is called after each heartbeat is written.
func (lv Liveness) keepAlive(ctx context.Context, c heartbeater, beat func()) error {
	tick := time.NewTicker(lv.Interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick.C:
			if !lv.due(c.LastWrite(), now) {
				continue
			}
			if err := c.Write(heartbeat); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			if beat != nil {
				beat()
			}
		}
	}
}
