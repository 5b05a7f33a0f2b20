package ledger

import (
	"fmt"
	"time"

	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
	"github.com/gyaneshwarpardhi/quorumledger/internal/hashchain"
)

// Block is an ordered, hash-sealed batch of events. Blocks are never mutated
// once sealed.
type Block struct {
	Number       uint64           `json:"block_number"`
	PreviousHash hashchain.Digest `json:"previous_hash"`
	MerkleRoot   hashchain.Digest `json:"merkle_root"`
	Hash         hashchain.Digest `json:"hash"`
	Timestamp    time.Time        `json:"timestamp"`
	Events       []event.Event    `json:"events"`
}

// seal builds block number n over events, linking it to prev.
func seal(n uint64, prev hashchain.Digest, events []event.Event, at time.Time) (*Block, error) {
	digests, err := hashchain.EventDigests(events)
	if err != nil {
		return nil, err
	}
	b := &Block{
		Number:       n,
		PreviousHash: prev,
		MerkleRoot:   hashchain.MerkleRoot(digests),
		Timestamp:    at.UTC(),
		Events:       events,
	}
	b.Hash = b.ComputeHash()
	return b, nil
}

// ComputeHash recomputes the header hash from the block's own fields.
func (b *Block) ComputeHash() hashchain.Digest {
	return hashchain.BlockHash(b.Number, b.PreviousHash, b.MerkleRoot, b.Timestamp)
}

// Verify checks that the Merkle root matches the events and the hash matches
// the header.
func (b *Block) Verify() error {
	digests, err := hashchain.EventDigests(b.Events)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeIntegrityFailure, err, "block %d: digest events", b.Number)
	}
	if root := hashchain.MerkleRoot(digests); root != b.MerkleRoot {
		return apperrors.New(apperrors.CodeIntegrityFailure, "block %d: merkle root mismatch: stored %s, computed %s", b.Number, b.MerkleRoot, root)
	}
	if h := b.ComputeHash(); h != b.Hash {
		return apperrors.New(apperrors.CodeIntegrityFailure, "block %d: hash mismatch: stored %s, computed %s", b.Number, b.Hash, h)
	}
	return nil
}

// Clone returns a copy that shares nothing mutable with b.
func (b *Block) Clone() Block {
	c := *b
	c.Events = make([]event.Event, len(b.Events))
	for i, ev := range b.Events {
		c.Events[i] = ev.Clone()
	}
	return c
}

// VerifyChain walks blocks from genesis: numbers are contiguous from 0, each
// previous hash equals the prior block's hash, every block verifies, and
// event sequences strictly increase.
func VerifyChain(blocks []*Block) error {
	var (
		prev    hashchain.Digest
		lastSeq uint64
		seenSeq bool
	)
	for i, b := range blocks {
		if b == nil {
			return apperrors.New(apperrors.CodeIntegrityFailure, "block at index %d is nil", i)
		}
		if b.Number != uint64(i) {
			return apperrors.New(apperrors.CodeIntegrityFailure, "block at index %d: number %d out of sequence", i, b.Number)
		}
		if b.PreviousHash != prev {
			return apperrors.New(apperrors.CodeIntegrityFailure, "block %d: previous hash %s does not match %s", b.Number, b.PreviousHash, prev)
		}
		if err := b.Verify(); err != nil {
			return err
		}
		for _, ev := range b.Events {
			if seenSeq && ev.Sequence <= lastSeq {
				return apperrors.New(apperrors.CodeIntegrityFailure, "block %d: event %s sequence %d not after %d", b.Number, ev.ID, ev.Sequence, lastSeq)
			}
			lastSeq, seenSeq = ev.Sequence, true
		}
		prev = b.Hash
	}
	return nil
}

func (b *Block) String() string {
	return fmt.Sprintf("block %d (%d events) %s", b.Number, len(b.Events), b.Hash)
}
