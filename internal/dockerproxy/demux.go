package dockerproxy

import "encoding/binary"

// Demux strips docker's multiplexed stream framing: repeated frames of an
// 8-byte header (stream type, three reserved zero bytes, big-endian payload
// size) followed by the payload. Input that does not look framed, including
// TTY container logs, is returned unchanged.
func Demux(data []byte) []byte {
	if len(data) < 8 || !framed(data) {
		return data
	}
	out := make([]byte, 0, len(data))
	for len(data) >= 8 {
		if !framed(data) {
			// Mid-stream corruption: keep what we have plus the rest raw.
			out = append(out, data...)
			return out
		}
		size := binary.BigEndian.Uint32(data[4:8])
		data = data[8:]
		if uint32(len(data)) < size {
			out = append(out, data...)
			return out
		}
		out = append(out, data[:size]...)
		data = data[size:]
	}
	out = append(out, data...)
	return out
}

// framed reports whether data starts with a plausible frame header: a known
// stream type and zeroed reserved bytes.
func framed(data []byte) bool {
	return len(data) >= 8 &&
		data[0] <= 2 &&
		data[1] == 0 && data[2] == 0 && data[3] == 0
}
