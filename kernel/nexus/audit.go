package nexus

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// AuditRecord is one decoded audit entry. Rule ids are stored as xxhash
// digests in the packed form; the ring keeps a side table for rendering.
type AuditRecord struct {
	TS         uint64
	RuleID     string
	RuleHash   uint64
	InputsHash uint64
	Confidence float64
	Action     ActionID
	Outcome    Outcome
}

// recordSize is the packed wire size: ts(8) + rule(8) + inputs(8) +
// confidence(2) + action(1) + outcome(1) + crc32(4), little-endian.
const recordSize = 32

// AuditRing is the append-only in-memory audit log: a byte ring of
// fixed-size packed records, each carrying its own CRC32. Append is
// constant-time; the ring overwrites oldest records when full.
type AuditRing struct {
	mu    sync.Mutex
	buf   []byte
	next  int // next write offset
	count int // records written since creation

	names map[uint64]string // rule hash -> id, for decoding
}

// NewAuditRing creates a ring of sizeBytes capacity (rounded down to a
// whole number of records).
func NewAuditRing(sizeBytes int) *AuditRing {
	records := sizeBytes / recordSize
	if records < 1 {
		records = 1
	}
	return &AuditRing{
		buf:   make([]byte, records*recordSize),
		names: make(map[uint64]string),
	}
}

// Capacity returns how many records the ring retains.
func (r *AuditRing) Capacity() int { return len(r.buf) / recordSize }

// Count returns how many records were ever appended.
func (r *AuditRing) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Append packs one record into the ring.
func (r *AuditRing) Append(rec AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.RuleHash == 0 && rec.RuleID != "" {
		rec.RuleHash = xxhash.Sum64String(rec.RuleID)
	}
	if rec.RuleID != "" {
		r.names[rec.RuleHash] = rec.RuleID
	}

	b := r.buf[r.next : r.next+recordSize]
	binary.LittleEndian.PutUint64(b[0:8], rec.TS)
	binary.LittleEndian.PutUint64(b[8:16], rec.RuleHash)
	binary.LittleEndian.PutUint64(b[16:24], rec.InputsHash)
	binary.LittleEndian.PutUint16(b[24:26], packConfidence(rec.Confidence))
	b[26] = byte(rec.Action)
	b[27] = byte(rec.Outcome)
	binary.LittleEndian.PutUint32(b[28:32], crc32.ChecksumIEEE(b[0:28]))

	r.next = (r.next + recordSize) % len(r.buf)
	r.count++
}

// Last decodes up to n most recent records, newest last. Records whose
// CRC fails are skipped.
func (r *AuditRing) Last(n int) []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.buf) / recordSize
	have := r.count
	if have > capacity {
		have = capacity
	}
	if n > have {
		n = have
	}
	out := make([]AuditRecord, 0, n)
	for i := n; i > 0; i-- {
		off := r.next - i*recordSize
		for off < 0 {
			off += len(r.buf)
		}
		if rec, ok := r.decode(off); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (r *AuditRing) decode(off int) (AuditRecord, bool) {
	b := r.buf[off : off+recordSize]
	if crc32.ChecksumIEEE(b[0:28]) != binary.LittleEndian.Uint32(b[28:32]) {
		return AuditRecord{}, false
	}
	rec := AuditRecord{
		TS:         binary.LittleEndian.Uint64(b[0:8]),
		RuleHash:   binary.LittleEndian.Uint64(b[8:16]),
		InputsHash: binary.LittleEndian.Uint64(b[16:24]),
		Confidence: unpackConfidence(binary.LittleEndian.Uint16(b[24:26])),
		Action:     ActionID(b[26]),
		Outcome:    Outcome(b[27]),
	}
	rec.RuleID = r.names[rec.RuleHash]
	return rec, true
}

func packConfidence(c float64) uint16 {
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return uint16(c * 10000)
}

func unpackConfidence(v uint16) float64 {
	return float64(v) / 10000
}

// HashSnapshotInputs digests the counter vector for the audit trail.
func HashSnapshotInputs(counters []uint64) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, c := range counters {
		binary.LittleEndian.PutUint64(buf[:], c)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
