package event

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode makes binary message from the event, the inverse of Decode.
// Fields with default values are omitted, the same way protobuf serializers do.
func Encode(ev Event) []byte {
	var b []byte
	if ev.Ref != 0 {
		b = protowire.AppendTag(b, fieldRef, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Ref))
	}

	switch p := ev.Payload.(type) {
	case *LogMessage:
		b = appendMessage(b, fieldMessage, p.marshal())
	case *ProgressUpdate:
		b = appendMessage(b, fieldProgress, p.marshal())
	case *Result:
		b = appendMessage(b, fieldResult, p.marshal())
	}
	return b
}

func (m *LogMessage) marshal() []byte {
	var b []byte
	if m.Level != 0 {
		b = protowire.AppendTag(b, fieldLogLevel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.Level))) //nolint:gosec // negative enums are sign-extended
	}
	b = appendString(b, fieldLogMessage, m.Message)
	b = appendString(b, fieldLogSender, m.Sender)
	if m.Time != nil {
		var ts []byte
		if m.Time.GetSeconds() != 0 {
			ts = protowire.AppendTag(ts, fieldTimestampSeconds, protowire.VarintType)
			ts = protowire.AppendVarint(ts, uint64(m.Time.GetSeconds())) //nolint:gosec // two's complement
		}
		if m.Time.GetNanos() != 0 {
			ts = protowire.AppendTag(ts, fieldTimestampNanos, protowire.VarintType)
			ts = protowire.AppendVarint(ts, uint64(int64(m.Time.GetNanos()))) //nolint:gosec // two's complement
		}
		b = appendMessage(b, fieldLogTime, ts)
	}
	return b
}

func (p *ProgressUpdate) marshal() []byte {
	var b []byte
	if p.Progress != 0 {
		b = protowire.AppendTag(b, fieldProgressValue, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(p.Progress))
	}
	b = appendString(b, fieldProgressDescription, p.Description)
	b = appendBool(b, fieldProgressError, p.Error)
	b = appendBool(b, fieldProgressIndeterminate, p.Indeterminate)
	return b
}

func (r *Result) marshal() []byte {
	return appendBool(nil, fieldResultSuccess, r.Success)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}
