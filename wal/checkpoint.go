package wal

import "time"

// Phase is the two-phase rotation protocol's current step, persisted in the
// checkpoint so a restarting writer knows how to complete an interrupted
// rotation.
type Phase string

const (
	// PhaseNone means no rotation is in progress.
	PhaseNone Phase = "none"

	// PhaseCheckpointWritten means the checkpoint reflecting the impending
	// rotation has been durably written but the segment swap itself has
	// not happened yet.
	PhaseCheckpointWritten Phase = "checkpoint_written"

	// PhaseRotating means the segment swap is underway: the old segment is
	// being closed and the new one created.
	PhaseRotating Phase = "rotating"
)

// SegmentMeta describes one segment file.
type SegmentMeta struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"createdAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	Size       int64      `json:"size"`
	EntryCount int        `json:"entryCount"`
}

// Checkpoint is the WAL's global state record: last sequence, active
// segment, known segments, and the rotation phase. Written atomically via
// temp+rename+fsync.
type Checkpoint struct {
	LastSeq           uint64        `json:"lastSeq"`
	ActiveSegmentID   string        `json:"activeSegmentId"`
	Segments          []SegmentMeta `json:"segments"`
	LastCheckpointAt  time.Time     `json:"lastCheckpointAt"`
	RotationPhase     Phase         `json:"rotationPhase"`
}

func (c Checkpoint) clone() Checkpoint {
	segs := make([]SegmentMeta, len(c.Segments))
	copy(segs, c.Segments)
	c.Segments = segs
	return c
}

func (c *Checkpoint) segmentIndex(id string) int {
	for i := range c.Segments {
		if c.Segments[i].ID == id {
			return i
		}
	}
	return -1
}
