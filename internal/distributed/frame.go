package distributed

import (
	"encoding/binary"
	"io"
	"math"
	"net"

	"github.com/pkg/errors"
)

// Wire format: every exchange is a frame of a 1-byte opcode, a 4-byte
// little-endian payload length and the payload itself.
type opcode byte

const (
	opHello opcode = iota + 1
	opBarrier
	opRelease
	opReduce
	opSum
	opBroadcast
	opGather
	opGathered
)

// maxPayload caps a frame's payload. The largest frames carry the flattened
// model parameters, well below this.
const maxPayload = 1 << 30

func writeFrame(conn net.Conn, op opcode, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(op)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return errors.Wrapf(err, "failed to write frame header (op %d)", op)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return errors.Wrapf(err, "failed to write frame payload (op %d, %d bytes)", op, len(payload))
		}
	}
	return nil
}

// readFrame reads one frame and checks its opcode. A mismatched opcode means
// the ranks' collective sequences have diverged, which is unrecoverable.
func readFrame(conn net.Conn, want opcode) ([]byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, errors.Wrap(err, "failed to read frame header")
	}
	got := opcode(header[0])
	if got != want {
		return nil, errors.Errorf("process group out of sync: got op %d, want op %d", got, want)
	}
	size := binary.LittleEndian.Uint32(header[1:])
	if size > maxPayload {
		return nil, errors.Errorf("frame payload of %d bytes exceeds limit", size)
	}
	if size == 0 {
		return nil, nil
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, errors.Wrapf(err, "failed to read frame payload (%d bytes)", size)
	}
	return payload, nil
}

// expectFrame reads one frame, requiring the given opcode and ignoring the
// payload.
func expectFrame(conn net.Conn, want opcode) error {
	_, err := readFrame(conn, want)
	return err
}

func encodeFloat32s(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32s(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.Errorf("float32 payload of %d bytes is not a multiple of 4", len(buf))
	}
	values := make([]float32, len(buf)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
	}
	return values, nil
}
