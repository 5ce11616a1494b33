package journal

// ============================================================================
// Journal Record Definitions
// Responsibility: on-disk shape of a coordination event and its checksum
// ============================================================================

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"time"

	"github.com/ChuLiYu/pyramid-gp/pkg/types"
)

// Record is one journal line
type Record struct {
	Seq        uint64          `json:"seq"`  // monotonically increasing within a file
	Type       types.EventType `json:"type"` // SPAWN, ATTACH, EPOCH ...
	PID        int             `json:"pid,omitempty"`
	Epoch      int             `json:"epoch"`
	Phase      string          `json:"phase,omitempty"`
	Value      types.Float     `json:"value"`
	Generation int32           `json:"generation,omitempty"`
	Stat       string          `json:"stat,omitempty"`
	Count      int             `json:"count,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  int64           `json:"timestamp"` // Unix milliseconds
	Checksum   uint32          `json:"checksum"`  // CRC32 of every other field
}

// Handler processes records during Replay
type Handler func(rec Record) error

func newRecord(seq uint64, ev types.Event) Record {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := Record{
		Seq:        seq,
		Type:       ev.Type,
		PID:        ev.PID,
		Epoch:      ev.Epoch,
		Phase:      ev.Phase,
		Value:      types.Float(ev.Value),
		Generation: ev.Generation,
		Stat:       ev.Stat,
		Count:      ev.Count,
		Reason:     ev.Reason,
		Timestamp:  ts.UnixMilli(),
	}
	rec.Checksum = Checksum(rec)
	return rec
}

// Event converts the record back into a coordination event.
func (r Record) Event() types.Event {
	return types.Event{
		Type:       r.Type,
		PID:        r.PID,
		Epoch:      r.Epoch,
		Phase:      r.Phase,
		Value:      float64(r.Value),
		Generation: r.Generation,
		Stat:       r.Stat,
		Count:      r.Count,
		Reason:     r.Reason,
		Time:       time.UnixMilli(r.Timestamp),
	}
}

// Checksum computes the CRC32-IEEE of the record's fields, excluding Checksum.
func Checksum(r Record) uint32 {
	data := fmt.Sprintf("%d|%s|%d|%d|%s|%s|%d|%s|%d|%s|%d",
		r.Seq, r.Type, r.PID, r.Epoch, r.Phase,
		strconv.FormatFloat(float64(r.Value), 'g', -1, 64),
		r.Generation, r.Stat, r.Count, r.Reason, r.Timestamp)
	return crc32.ChecksumIEEE([]byte(data))
}

// Verify reports whether the stored checksum matches the record.
func Verify(r Record) bool {
	return r.Checksum == Checksum(r)
}
