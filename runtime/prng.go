package runtime

import (
	"encoding/binary"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

// prngStream is the deterministic keystream backing random_bytes and
// random_u32: seeded from an execution's identity rather than the system
// entropy pool, so the same (capsule_id, input_commit, nonce) triple always
// draws the same sequence of bytes and a receipt's output_commit is
// reproducible by re-running the capsule with the same nonce.
type prngStream struct {
	xof *blake3.OutputReader
}

// newPRNGStream derives a fresh keystream from the execution's identity.
// Read calls against it are stateful and must not be shared across
// concurrent executions; each Execute call builds its own.
func newPRNGStream(capsuleID, inputCommit string, nonce uint64) *prngStream {
	seed := fmt.Sprintf("TENZIK_PRNG_V1\ncapsule_id:%s\ninput_commit:%s\nnonce:%d", capsuleID, inputCommit, nonce)
	h := blake3.New(32, nil)
	h.Write([]byte(seed))
	return &prngStream{xof: h.XOF()}
}

// fillBytes reads exactly len(buf) bytes from the keystream.
func (p *prngStream) fillBytes(buf []byte) error {
	_, err := io.ReadFull(p.xof, buf)
	return err
}

// nextU32 reads the next four keystream bytes as a little-endian uint32.
func (p *prngStream) nextU32() (uint32, error) {
	var buf [4]byte
	if err := p.fillBytes(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
