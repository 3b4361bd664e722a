package fcgiapp

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"time"
)

// binConvTab is the digit alphabet used by encodeBin, transcribed from
// original_source/src/utils.c's binconvtab: the first 16 characters serve
// 4-bit encoding, the first 32 serve 5-bit, and all 64 serve 6-bit.
const binConvTab = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_-"

// encodeBin packs in as a stream of nbits-wide groups, each rendered
// through binConvTab, ported bit-for-bit from smisk_encode_bin. nbits must
// be 4, 5, or 6.
func encodeBin(in []byte, nbits uint) string {
	mask := (1 << nbits) - 1
	var w uint32
	have := uint(0)
	out := make([]byte, 0, len(in)*8/int(nbits)+1)

	p := 0
	for {
		if have < nbits {
			if p < len(in) {
				w |= uint32(in[p]) << have
				p++
				have += 8
			} else {
				if have == 0 {
					break
				}
				have = nbits
			}
		}
		out = append(out, binConvTab[int(w)&mask])
		w >>= nbits
		have -= nbits
	}
	return string(out)
}

// sessionIDLength returns the number of characters a session id encodes to
// at the given bit width, matching smisk_uid_format's fixed buffer sizes.
func sessionIDLength(bits int) int {
	switch bits {
	case 6:
		return 27
	case 5:
		return 32
	case 4:
		return 40
	default:
		return 0
	}
}

// newSessionID generates a fresh session id: a SHA1 digest over the
// current time, process id, and a random salt (mirroring
// smisk_uid_create's {tv_sec, tv_usec, pid, salt} digest input), then
// rendered at the requested bit width via encodeBin. bits must be 4, 5, or
// 6 (Config.Validate enforces this upstream).
func newSessionID(bits int) (string, error) {
	if sessionIDLength(bits) == 0 {
		return "", wrap(errInvalidSessionBits(bits), ErrConfig, "generating session id")
	}

	now := time.Now()
	var salt [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return "", wrap(err, ErrInvalidSession, "generating session id salt")
	}

	h := sha1.New()
	var buf [20]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(now.Unix()))
	binary.BigEndian.PutUint32(buf[4:8], uint32(now.Nanosecond()/1000))
	binary.BigEndian.PutUint32(buf[8:12], uint32(os.Getpid()))
	copy(buf[12:20], salt[:])
	h.Write(buf[:])

	digest := h.Sum(nil)
	return encodeBin(digest, uint(bits)), nil
}
