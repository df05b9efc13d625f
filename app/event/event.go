// Package event implements the binary wire format of task events sent by a remote worker.
// Each message is a protobuf-encoded ClientSentEvent addressing one task by its ref and carrying
// exactly one payload: a log line, a progress update or a final result.
// Messages are decoded with protowire directly, no generated code is involved.
package event

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ErrDecode is wrapped by every error returned from Decode
var ErrDecode = errors.New("malformed event")

// field numbers of ClientSentEvent
const (
	fieldRef      protowire.Number = 1
	fieldMessage  protowire.Number = 2
	fieldProgress protowire.Number = 3
	fieldResult   protowire.Number = 4
)

// field numbers of LogMessage
const (
	fieldLogLevel   protowire.Number = 1
	fieldLogMessage protowire.Number = 2
	fieldLogSender  protowire.Number = 3
	fieldLogTime    protowire.Number = 4
)

// field numbers of ProgressMessage
const (
	fieldProgressValue         protowire.Number = 1
	fieldProgressDescription   protowire.Number = 2
	fieldProgressError         protowire.Number = 3
	fieldProgressIndeterminate protowire.Number = 4
)

// field numbers of TaskResult and google.protobuf.Timestamp
const (
	fieldResultSuccess    protowire.Number = 1
	fieldTimestampSeconds protowire.Number = 1
	fieldTimestampNanos   protowire.Number = 2
)

// LogLevel is the severity of a log message
type LogLevel int32

// log levels as defined by the worker
const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

var levelNames = map[LogLevel]string{
	LevelTrace:   "trace",
	LevelDebug:   "debug",
	LevelInfo:    "info",
	LevelWarning: "warning",
	LevelError:   "error",
	LevelFatal:   "fatal",
}

// String returns lower-case level name. Levels unknown to this build reported as "info"
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// Event is a decoded message addressed to a single task
type Event struct {
	Ref     uint32
	Payload Payload // nil if the message carried no payload
}

// Payload is one of *LogMessage, *ProgressUpdate or *Result
type Payload interface {
	payload()
}

// LogMessage is a line of task output
type LogMessage struct {
	Sender  string
	Level   LogLevel
	Message string
	Time    *timestamppb.Timestamp // nil if the worker didn't set it
}

// ProgressUpdate is a partial status broadcast.
// Negative Progress and empty Description mean "no update" for the corresponding field.
type ProgressUpdate struct {
	Progress      float32
	Description   string
	Error         bool
	Indeterminate bool
}

// Result is the terminal outcome of a task
type Result struct {
	Success bool
}

func (*LogMessage) payload()     {}
func (*ProgressUpdate) payload() {}
func (*Result) payload()         {}

// Decode parses a single binary message. Unknown fields are skipped, if the payload is repeated
// the last one wins. Any structural problem reported as an error wrapping ErrDecode.
func Decode(data []byte) (Event, error) {
	var ev Event
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRef:
			return decodeRef(&ev, typ, b)
		case fieldMessage:
			v, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			msg, err := decodeLogMessage(v)
			if err != nil {
				return 0, fmt.Errorf("message: %w", err)
			}
			ev.Payload = msg
			return n, nil
		case fieldProgress:
			v, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			upd, err := decodeProgress(v)
			if err != nil {
				return 0, fmt.Errorf("progress: %w", err)
			}
			ev.Payload = upd
			return n, nil
		case fieldResult:
			v, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			res, err := decodeResult(v)
			if err != nil {
				return 0, fmt.Errorf("result: %w", err)
			}
			ev.Payload = res
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return ev, nil
}

// decodeRef accepts ref either as varint or as a decimal string, workers written against
// 64-bit aware codegen send the latter
func decodeRef(ev *Event, typ protowire.Type, b []byte) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		if v > math.MaxUint32 {
			return 0, fmt.Errorf("ref %d overflows uint32", v)
		}
		ev.Ref = uint32(v)
		return n, nil
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		ref, err := strconv.ParseUint(string(v), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("ref %q: %w", v, err)
		}
		ev.Ref = uint32(ref)
		return n, nil
	default:
		return 0, fmt.Errorf("field %d: unexpected wire type %d", fieldRef, typ)
	}
}

func decodeLogMessage(data []byte) (*LogMessage, error) {
	msg := &LogMessage{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldLogLevel:
			v, n, err := varintField(num, typ, b)
			msg.Level = LogLevel(int32(v)) //nolint:gosec // enum values are int32 on the wire
			return n, err
		case fieldLogMessage:
			v, n, err := stringField(num, typ, b)
			msg.Message = v
			return n, err
		case fieldLogSender:
			v, n, err := stringField(num, typ, b)
			msg.Sender = v
			return n, err
		case fieldLogTime:
			v, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			ts, err := decodeTimestamp(v)
			if err != nil {
				return 0, fmt.Errorf("time: %w", err)
			}
			msg.Time = ts
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return msg, err
}

func decodeTimestamp(data []byte) (*timestamppb.Timestamp, error) {
	ts := &timestamppb.Timestamp{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTimestampSeconds:
			v, n, err := varintField(num, typ, b)
			ts.Seconds = int64(v) //nolint:gosec // int64 is two's complement varint
			return n, err
		case fieldTimestampNanos:
			v, n, err := varintField(num, typ, b)
			ts.Nanos = int32(v) //nolint:gosec // int32 is two's complement varint
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return ts, err
}

func decodeProgress(data []byte) (*ProgressUpdate, error) {
	upd := &ProgressUpdate{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldProgressValue:
			if typ != protowire.Fixed32Type {
				return 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeFixed32(b)
			upd.Progress = math.Float32frombits(v)
			return n, nil
		case fieldProgressDescription:
			v, n, err := stringField(num, typ, b)
			upd.Description = v
			return n, err
		case fieldProgressError:
			v, n, err := varintField(num, typ, b)
			upd.Error = protowire.DecodeBool(v)
			return n, err
		case fieldProgressIndeterminate:
			v, n, err := varintField(num, typ, b)
			upd.Indeterminate = protowire.DecodeBool(v)
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return upd, err
}

func decodeResult(data []byte) (*Result, error) {
	res := &Result{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldResultSuccess {
			v, n, err := varintField(num, typ, b)
			res.Success = protowire.DecodeBool(v)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return res, err
}

// walk iterates over fields of a message. fn gets the bytes following the tag and returns
// the size of the consumed value, negative sizes are protowire error codes.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

func varintField(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func bytesField(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func stringField(num protowire.Number, typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := bytesField(num, typ, b)
	if err != nil {
		return "", 0, err
	}
	if !utf8.Valid(v) {
		return "", 0, fmt.Errorf("field %d: invalid UTF-8", num)
	}
	return string(v), n, nil
}
