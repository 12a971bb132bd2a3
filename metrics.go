package shmsync

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricShmPublishCount counts successful sink posts, one per
	// published sequence number.
	MetricShmPublishCount      = []string{"shmsync", "sink", "publish", "count"}
	MetricShmPublishBytes      = []string{"shmsync", "sink", "publish", "bytes"}
	MetricShmBindCount         = []string{"shmsync", "sink", "bind", "count"}
	MetricShmEndCount          = []string{"shmsync", "sink", "end", "count"}
	MetricShmConnectCount      = []string{"shmsync", "source", "connect", "count"}
	MetricShmConnectErrorCount = []string{"shmsync", "source", "connect", "error", "count"}
	MetricShmCloneCount        = []string{"shmsync", "source", "clone", "count"}
	MetricShmWaitNanos         = []string{"shmsync", "barrier", "wait", "nanos"}
	MetricBufferOverrunCount   = []string{"shmsync", "buffer", "overrun", "count"}
	MetricBufferDrainCount     = []string{"shmsync", "buffer", "drain", "count"}
	MetricBufferDepth          = []string{"shmsync", "buffer", "depth"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelChannel  TelemetryLabel = "channel"
	LabelSequence TelemetryLabel = "sequence"
	LabelReaders  TelemetryLabel = "readers"
	LabelCapacity TelemetryLabel = "capacity"
	LabelKind     TelemetryLabel = "payload_kind"
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
