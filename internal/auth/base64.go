package auth

const base64Digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// encodeDigest renders bin in the daemon's own base64 dialect: six bits
// per digit, most significant first, no padding. In compatible mode the
// trailing partial digit is left-aligned, matching standard base64. The
// legacy mode sign-extends each byte into the shift register and leaves
// the trailing bits right-aligned; old peers compute it that way, so it is
// kept bit for bit.
func encodeDigest(bin []byte, compatible bool) string {
	out := make([]byte, 0, (len(bin)*8+5)/6)

	var reg uint32
	rem := 0
	for i := 0; i < len(bin); {
		if rem < 6 {
			reg <<= 8
			if compatible {
				reg |= uint32(bin[i])
			} else {
				reg |= uint32(int32(int8(bin[i])))
			}
			i++
			rem += 8
		}
		out = append(out, base64Digits[(reg>>(rem-6))&0x3F])
		rem -= 6
	}
	if rem > 0 {
		mask := uint32(1)<<rem - 1
		if compatible {
			out = append(out, base64Digits[(reg&mask)<<(6-rem)])
		} else {
			out = append(out, base64Digits[reg&mask])
		}
	}
	return string(out)
}
