package event

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SplitBatch splits a transport frame into individual messages.
// The frame is a concatenation of messages, each prefixed with its varint length.
// Messages are sub-slices of frame, not copies.
func SplitBatch(frame []byte) ([][]byte, error) {
	var msgs [][]byte
	offset := 0
	for offset < len(frame) {
		msg, n := protowire.ConsumeBytes(frame[offset:])
		if n < 0 {
			return nil, fmt.Errorf("bad batch frame at offset %d: %w", offset, protowire.ParseError(n))
		}
		msgs = append(msgs, msg)
		offset += n
	}
	return msgs, nil
}

// JoinBatch makes a transport frame from messages, see SplitBatch
func JoinBatch(msgs ...[]byte) []byte {
	size := 0
	for _, m := range msgs {
		size += protowire.SizeBytes(len(m))
	}
	frame := make([]byte, 0, size)
	for _, m := range msgs {
		frame = protowire.AppendBytes(frame, m)
	}
	return frame
}
