// Package hashchain computes the digests that seal ledger blocks: content
// hashes, Merkle roots over ordered event digests, and block header hashes.
//
// Everything here is pure. Two replicas that apply the same events in the same
// order produce byte-identical blocks.
package hashchain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
)

// Digest is a SHA-256 value. The zero Digest is the genesis previous hash.
type Digest [sha256.Size]byte

// EmptyRoot is the Merkle root of a block with no events.
var EmptyRoot = Hash(nil)

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// IsZero reports whether d is the all-zero sentinel.
func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// MarshalText encodes d as lowercase hex.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a hex digest.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a 64-character hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest %q: %w", s, err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("digest %q: want %d bytes, got %d", s, len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// MerkleRoot folds ordered digests pairwise, level by level. An odd level pairs
// its last element with itself. No digests yields EmptyRoot.
func MerkleRoot(leaves []Digest) Digest {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	level := append([]Digest(nil), leaves...)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Digest, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}

func hashPair(left, right Digest) Digest {
	var buf [2 * sha256.Size]byte
	copy(buf[:sha256.Size], left[:])
	copy(buf[sha256.Size:], right[:])
	return Hash(buf[:])
}

// EventDigest hashes the RFC 8785 canonical JSON form of ev.
func EventDigest(ev event.Event) (Digest, error) {
	ev.Timestamp = ev.Timestamp.UTC()
	raw, err := json.Marshal(ev)
	if err != nil {
		return Digest{}, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Digest{}, fmt.Errorf("canonicalize event %s: %w", ev.ID, err)
	}
	return Hash(canonical), nil
}

// EventDigests returns the digest of every event, in order.
func EventDigests(events []event.Event) ([]Digest, error) {
	out := make([]Digest, len(events))
	for i, ev := range events {
		d, err := EventDigest(ev)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// BlockHash hashes a block header laid out as
// number(8, big endian) || prev(32) || merkle(32) || sealedAt UnixNano(8, big endian).
func BlockHash(number uint64, prev, merkle Digest, sealedAt time.Time) Digest {
	var buf [8 + 2*sha256.Size + 8]byte
	binary.BigEndian.PutUint64(buf[0:8], number)
	copy(buf[8:8+sha256.Size], prev[:])
	copy(buf[8+sha256.Size:8+2*sha256.Size], merkle[:])
	binary.BigEndian.PutUint64(buf[8+2*sha256.Size:], uint64(sealedAt.UnixNano()))
	return Hash(buf[:])
}
