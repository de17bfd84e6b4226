package staking

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"lukechampine.com/blake3"
)

// MovementDigest chains movement onto the digest of its predecessor. Any edit
// or deletion in a position's movement log changes every later digest.
func MovementDigest(prev string, movement *LedgerMovement) string {
	if movement == nil {
		return prev
	}
	var buf bytes.Buffer
	buf.WriteString(prev)
	buf.WriteByte(0)
	buf.WriteString(movement.StakePositionID)
	buf.WriteByte(0)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(movement.Sequence))
	buf.Write(scratch[:])
	buf.WriteString(string(movement.Kind))
	buf.WriteByte(0)
	buf.WriteString(movement.Amount.String())
	buf.WriteByte(0)
	buf.WriteString(movement.Reference)
	buf.WriteByte(0)
	binary.BigEndian.PutUint64(scratch[:], uint64(movement.OccurredAt.UTC().UnixMicro()))
	buf.Write(scratch[:])
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// VerifyChain recomputes the digest chain of movements and checks it ends at
// the position's head.
func VerifyChain(position *StakePosition, movements []*LedgerMovement) error {
	if position == nil {
		return ErrPositionNotFound
	}
	ordered := append([]*LedgerMovement(nil), movements...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	prev := ""
	for i, movement := range ordered {
		if movement.StakePositionID != position.ID {
			return fmt.Errorf("staking: movement %s belongs to %s", movement.ID, movement.StakePositionID)
		}
		if movement.Sequence != int64(i+1) {
			return fmt.Errorf("staking: movement sequence gap at %d (found %d)", i+1, movement.Sequence)
		}
		digest := MovementDigest(prev, movement)
		if digest != movement.Digest {
			return fmt.Errorf("staking: digest mismatch at sequence %d", movement.Sequence)
		}
		prev = digest
	}
	if int64(len(ordered)) != position.MovementSeq {
		return fmt.Errorf("staking: position records %d movements, log has %d", position.MovementSeq, len(ordered))
	}
	if prev != position.HeadDigest {
		return fmt.Errorf("staking: head digest mismatch")
	}
	return nil
}
