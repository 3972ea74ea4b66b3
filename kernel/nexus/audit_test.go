package nexus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRing_RoundTrip(t *testing.T) {
	ring := NewAuditRing(1024)

	rec := AuditRecord{
		TS:         12345,
		RuleID:     "queue-pressure",
		InputsHash: 0xdeadbeef,
		Confidence: 0.8125,
		Action:     ActionBoostInteractive,
		Outcome:    OutcomeBeneficial,
	}
	ring.Append(rec)

	got := ring.Last(10)
	require.Len(t, got, 1)
	assert.Equal(t, rec.TS, got[0].TS)
	assert.Equal(t, "queue-pressure", got[0].RuleID)
	assert.Equal(t, rec.InputsHash, got[0].InputsHash)
	assert.InDelta(t, rec.Confidence, got[0].Confidence, 0.0001)
	assert.Equal(t, rec.Action, got[0].Action)
	assert.Equal(t, rec.Outcome, got[0].Outcome)
}

func TestAuditRing_WrapsOverwritingOldest(t *testing.T) {
	// Room for exactly 4 records.
	ring := NewAuditRing(4 * 32)
	for i := uint64(0); i < 6; i++ {
		ring.Append(AuditRecord{TS: i, RuleID: "r"})
	}

	assert.Equal(t, 6, ring.Count())
	got := ring.Last(10)
	require.Len(t, got, 4, "ring retains capacity records")
	assert.Equal(t, uint64(2), got[0].TS, "oldest surviving record")
	assert.Equal(t, uint64(5), got[3].TS, "newest last")
}

func TestAuditRing_CorruptRecordSkipped(t *testing.T) {
	ring := NewAuditRing(4 * 32)
	ring.Append(AuditRecord{TS: 1, RuleID: "a"})
	ring.Append(AuditRecord{TS: 2, RuleID: "b"})

	// Flip a byte in the first record's payload.
	ring.buf[3] ^= 0xff

	got := ring.Last(2)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].TS)
}

func TestAuditRing_MinimumOneRecord(t *testing.T) {
	ring := NewAuditRing(1)
	assert.Equal(t, 1, ring.Capacity())
	ring.Append(AuditRecord{TS: 9})
	require.Len(t, ring.Last(5), 1)
}

func TestHashSnapshotInputs_Deterministic(t *testing.T) {
	a := HashSnapshotInputs([]uint64{1, 2, 3})
	b := HashSnapshotInputs([]uint64{1, 2, 3})
	c := HashSnapshotInputs([]uint64{1, 2, 4})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
