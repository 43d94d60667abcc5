package darc

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricDarcDatagramInBytes represents how much bytes have been received
	// by links.
	MetricDarcDatagramInBytes        = []string{"darc", "datagram", "in", "bytes"}
	MetricDarcDatagramInErrorCount   = []string{"darc", "datagram", "in", "error", "count"}
	MetricDarcDatagramOutBytes       = []string{"darc", "datagram", "out", "bytes"}
	MetricDarcDatagramOutErrorCount  = []string{"darc", "datagram", "out", "error", "count"}
	MetricDarcDecodeErrorCount       = []string{"darc", "decode", "error", "count"}
	MetricDarcUDPBufferSizeBytes     = []string{"darc", "udp", "buffer", "size", "bytes"}
	MetricDarcAcceptorCount          = []string{"darc", "acceptor", "count"}
	MetricDarcConnectionCount        = []string{"darc", "connection", "count"}
	MetricDarcDiscoverInCount        = []string{"darc", "discover", "in", "count"}
	MetricDarcMessageDeliveredCount  = []string{"darc", "message", "delivered", "count"}
	MetricDarcMessageForwardedCount  = []string{"darc", "message", "forwarded", "count"}
	MetricDarcMessageDroppedCount    = []string{"darc", "message", "dropped", "count"}
	MetricDarcProcedureDroppedCount  = []string{"darc", "procedure", "dropped", "count"}
	MetricDarcProcedureForwardCount  = []string{"darc", "procedure", "forwarded", "count"}
	MetricDarcGossipMemberEventCount = []string{"darc", "gossip", "member", "event", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelLocalAddr   TelemetryLabel = "local_addr"
	LabelLinkID      TelemetryLabel = "link_id"
	LabelConnID      TelemetryLabel = "conn_id"
	LabelNodeID      TelemetryLabel = "node_id"
	LabelPayloadType TelemetryLabel = "payload_type"
	LabelTopic       TelemetryLabel = "topic"
	LabelProcedure   TelemetryLabel = "procedure"
	LabelMember      TelemetryLabel = "member"
	LabelEvent       TelemetryLabel = "event"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels never aliases base, labels are appended by several goroutines.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
