package model

import "fmt"

// RangeMetadata describes one range of a stream as known by the placement
// service. End is nil while the range is still open for writes.
type RangeMetadata struct {
	StreamID int64   `json:"stream_id"`
	Epoch    uint64  `json:"epoch"`
	Index    int32   `json:"index"`
	Start    uint64  `json:"start"`
	End      *uint64 `json:"end,omitempty"`
	Node     string  `json:"node,omitempty"`
}

// Sealed reports whether the range end offset has been fixed.
func (m RangeMetadata) Sealed() bool {
	return m.End != nil
}

// WithEnd returns a copy of m sealed at end.
func (m RangeMetadata) WithEnd(end uint64) RangeMetadata {
	m.End = &end
	return m
}

func (m RangeMetadata) String() string {
	if m.End != nil {
		return fmt.Sprintf("Range[stream=%d epoch=%d index=%d start=%d end=%d]", m.StreamID, m.Epoch, m.Index, m.Start, *m.End)
	}
	return fmt.Sprintf("Range[stream=%d epoch=%d index=%d start=%d]", m.StreamID, m.Epoch, m.Index, m.Start)
}
