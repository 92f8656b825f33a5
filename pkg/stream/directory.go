package stream

import "sort"

// directory keeps the ranges of a stream ordered by start offset. Callers
// hold the stream's range lock.
type directory struct {
	ranges []Range
}

func (d *directory) search(start uint64) int {
	return sort.Search(len(d.ranges), func(i int) bool {
		return d.ranges[i].StartOffset() >= start
	})
}

// insert adds r, replacing a range with the same start offset.
func (d *directory) insert(r Range) {
	start := r.StartOffset()
	i := d.search(start)
	if i < len(d.ranges) && d.ranges[i].StartOffset() == start {
		d.ranges[i] = r
		return
	}
	d.ranges = append(d.ranges, nil)
	copy(d.ranges[i+1:], d.ranges[i:])
	d.ranges[i] = r
}

// last returns the range with the greatest start offset.
func (d *directory) last() Range {
	if len(d.ranges) == 0 {
		return nil
	}
	return d.ranges[len(d.ranges)-1]
}

// first returns the range with the smallest start offset.
func (d *directory) first() Range {
	if len(d.ranges) == 0 {
		return nil
	}
	return d.ranges[0]
}

// floor returns the range with the greatest start offset <= offset.
func (d *directory) floor(offset uint64) Range {
	i := sort.Search(len(d.ranges), func(i int) bool {
		return d.ranges[i].StartOffset() > offset
	})
	if i == 0 {
		return nil
	}
	return d.ranges[i-1]
}

func (d *directory) len() int {
	return len(d.ranges)
}

func (d *directory) snapshot() []Range {
	out := make([]Range, len(d.ranges))
	copy(out, d.ranges)
	return out
}
