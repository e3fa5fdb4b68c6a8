// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerlink

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// Counters emitted to Options.MetricSink. Beacon counters are defined by the
// beacon package.
var (
	MetricDialCount       = []string{"peerlink", "dial", "count"}
	MetricDialErrorCount  = []string{"peerlink", "dial", "error", "count"}
	MetricAcceptCount     = []string{"peerlink", "accept", "count"}
	MetricRaceLostCount   = []string{"peerlink", "race", "lost", "count"}
	MetricConnectCount    = []string{"peerlink", "connect", "count"}
	MetricDisconnectCount = []string{"peerlink", "disconnect", "count"}
	MetricHeartbeatCount  = []string{"peerlink", "heartbeat", "sent", "count"}
	MetricMessageOutCount = []string{"peerlink", "message", "sent", "count"}
	MetricMessageInCount  = []string{"peerlink", "message", "received", "count"}
	MetricBytesOut        = []string{"peerlink", "frame", "bytes", "sent"}
	MetricEventDropCount  = []string{"peerlink", "event", "dropped", "count"}
)

// TelemetryLabel names an attribute shared by logs and metrics.
type TelemetryLabel string

const (
	LabelCycle     TelemetryLabel = "cycle"
	LabelRemote    TelemetryLabel = "remote"
	LabelDirection TelemetryLabel = "direction"
	LabelState     TelemetryLabel = "state"
	LabelError     TelemetryLabel = "error"
)

// M returns a metrics label with the given value.
func (l TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(l), Value: val}
}

// L returns a log attribute with the given value.
func (l TelemetryLabel) L(val any) slog.Attr {
	return slog.Any(string(l), val)
}

func direction(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}
