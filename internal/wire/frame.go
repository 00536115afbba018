// Package wire implements the Wire Listener: it accepts TCP connections
// from client publishers, frames the binary wire protocol, and drives a
// per-client state machine by hand rather than delegating to a client
// library; see DESIGN.md for why the teacher's mochi-mqtt-backed
// pkg/mqtt.Server is not reused here.
package wire

// maxRemainingLengthBytes is the maximum number of bytes the variable
// remaining-length field may occupy (MQTT 3.1.1 limits this to 4).
const maxRemainingLengthBytes = 4

// parseLength inspects the start of buf (a fixed header byte followed by
// 1-4 continuation-encoded length bytes) and reports how many total bytes
// the packet occupies.
//
// Returns:
//   - (total, true, false) when a full length field is present: total is
//     1 (fixed header) + the number of length bytes + the decoded
//     remaining-length value — i.e. the total byte count of the packet.
//   - (0, false, false) when more bytes are needed before the length field
//     can be fully decoded ("Need-More").
//   - (0, false, true) when a fifth continuation byte would be required
//     ("Malformed" — the 7-bit continuation scheme caps length encoding at
//     4 bytes).
func parseLength(buf []byte) (total int, ok bool, malformed bool) {
	total, _, ok, malformed = parseLengthHeader(buf)
	return total, ok, malformed
}

// parseLengthHeader is parseLength's full-detail form: it additionally
// returns headerLen, the number of bytes occupied by the fixed header byte
// plus the remaining-length field — i.e. the offset at which the packet's
// variable header begins.
func parseLengthHeader(buf []byte) (total, headerLen int, ok bool, malformed bool) {
	if len(buf) == 0 {
		return 0, 0, false, false
	}

	multiplier := 1
	value := 0
	offset := 1 // skip the fixed header byte

	for {
		if offset >= len(buf) {
			return 0, 0, false, false
		}
		b := buf[offset]
		value += int(b&0x7f) * multiplier

		if b&0x80 == 0 {
			return 1 + offset + value, offset + 1, true, false
		}

		multiplier *= 128
		offset++
		if offset > maxRemainingLengthBytes {
			return 0, 0, false, true
		}
	}
}

// encodeLength encodes n (0 <= n < 268435456) using the MQTT variable
// remaining-length scheme: 7 bits per byte, MSB is a continuation flag.
func encodeLength(n int) []byte {
	var out []byte
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			break
		}
	}
	return out
}
