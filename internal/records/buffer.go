package records

// Buffer accumulates finished episodes until the next checkpoint flush.
// It is not safe for concurrent use; the owner serializes access.
type Buffer struct {
	recs []Record
}

// Add appends one record.
func (b *Buffer) Add(r Record) {
	b.recs = append(b.recs, r)
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int { return len(b.recs) }

// Drain removes and returns all buffered records in arrival order.
func (b *Buffer) Drain() []Record {
	recs := b.recs
	b.recs = nil
	return recs
}

// Restore puts drained records back at the front, keeping arrival order.
// Used when a flush fails after a Drain.
func (b *Buffer) Restore(recs []Record) {
	if len(recs) == 0 {
		return
	}
	b.recs = append(recs, b.recs...)
}
