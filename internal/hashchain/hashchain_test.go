package hashchain_test

import (
	"crypto/sha256"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
	"github.com/gyaneshwarpardhi/quorumledger/internal/hashchain"
)

func pair(a, b hashchain.Digest) hashchain.Digest {
	return hashchain.Hash(append(append([]byte{}, a[:]...), b[:]...))
}

func TestMerkleRoot_Empty(t *testing.T) {
	want := hashchain.Digest(sha256.Sum256(nil))
	assert.Equal(t, want, hashchain.MerkleRoot(nil))
	assert.Equal(t, want, hashchain.EmptyRoot)
}

func TestMerkleRoot_SingleLeafIsRoot(t *testing.T) {
	a := hashchain.Hash([]byte("a"))
	assert.Equal(t, a, hashchain.MerkleRoot([]hashchain.Digest{a}))
}

func TestMerkleRoot_Pairs(t *testing.T) {
	a := hashchain.Hash([]byte("a"))
	b := hashchain.Hash([]byte("b"))
	c := hashchain.Hash([]byte("c"))
	d := hashchain.Hash([]byte("d"))

	assert.Equal(t, pair(a, b), hashchain.MerkleRoot([]hashchain.Digest{a, b}))
	assert.Equal(t, pair(pair(a, b), pair(c, d)), hashchain.MerkleRoot([]hashchain.Digest{a, b, c, d}))
}

func TestMerkleRoot_OddLevelDuplicatesLast(t *testing.T) {
	a := hashchain.Hash([]byte("a"))
	b := hashchain.Hash([]byte("b"))
	c := hashchain.Hash([]byte("c"))

	want := pair(pair(a, b), pair(c, c))
	assert.Equal(t, want, hashchain.MerkleRoot([]hashchain.Digest{a, b, c}))
}

func TestMerkleRoot_OrderMatters(t *testing.T) {
	a := hashchain.Hash([]byte("a"))
	b := hashchain.Hash([]byte("b"))
	assert.NotEqual(t,
		hashchain.MerkleRoot([]hashchain.Digest{a, b}),
		hashchain.MerkleRoot([]hashchain.Digest{b, a}))
}

func TestMerkleRoot_DoesNotMutateInput(t *testing.T) {
	a := hashchain.Hash([]byte("a"))
	b := hashchain.Hash([]byte("b"))
	c := hashchain.Hash([]byte("c"))
	in := []hashchain.Digest{a, b, c}
	_ = hashchain.MerkleRoot(in)
	assert.Equal(t, []hashchain.Digest{a, b, c}, in)
}

func TestEventDigest_IgnoresZoneAndKeyOrder(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 42, time.UTC)
	ev := event.Event{
		ID:        "e1",
		Sequence:  7,
		RecordID:  "r1",
		Kind:      event.KindApprove,
		ActorID:   "u1",
		Payload:   json.RawMessage(`{"b":2,"a":1}`),
		Timestamp: ts,
	}
	other := ev
	other.Payload = json.RawMessage(`{"a":1, "b":2}`)
	other.Timestamp = ts.In(time.FixedZone("X", 3600))

	d1, err := hashchain.EventDigest(ev)
	require.NoError(t, err)
	d2, err := hashchain.EventDigest(other)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	other.ActorID = "u2"
	d3, err := hashchain.EventDigest(other)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestBlockHash_Deterministic(t *testing.T) {
	ts := time.Unix(1700000000, 123)
	prev := hashchain.Hash([]byte("prev"))
	root := hashchain.Hash([]byte("root"))

	h1 := hashchain.BlockHash(3, prev, root, ts)
	h2 := hashchain.BlockHash(3, prev, root, ts.UTC())
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, hashchain.BlockHash(4, prev, root, ts))
	assert.NotEqual(t, h1, hashchain.BlockHash(3, prev, root, ts.Add(time.Nanosecond)))
}

func TestDigest_TextRoundTrip(t *testing.T) {
	d := hashchain.Hash([]byte("x"))
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"`+d.String()+`"`, string(raw))

	var back hashchain.Digest
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, d, back)

	_, err = hashchain.ParseDigest("abcd")
	assert.Error(t, err)
	assert.True(t, hashchain.Digest{}.IsZero())
}
