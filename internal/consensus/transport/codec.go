package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/s-raft/sraft/internal/consensus"
)

// maxFrameBytes bounds a single message at 10MiB; an inbound frame whose
// length header exceeds it is rejected and its connection torn down.
const maxFrameBytes = 10 * 1024 * 1024

// frame serializes msg as length-prefixed JSON: a 4-byte big-endian
// length header followed by the JSON body.
func frame(msg *consensus.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(body) > maxFrameBytes {
		return nil, fmt.Errorf("message of %d bytes exceeds %d byte frame limit", len(body), maxFrameBytes)
	}
	packet := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(packet, uint32(len(body)))
	copy(packet[4:], body)
	return packet, nil
}

// readFrame reads one length-prefixed JSON message from r, applying the
// same size cap frame enforces on the way out.
func readFrame(r io.Reader) (*consensus.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxFrameBytes {
		return nil, fmt.Errorf("incoming message of %d bytes exceeds %d byte frame limit", length, maxFrameBytes)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var msg consensus.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
