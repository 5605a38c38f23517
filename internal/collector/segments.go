package collector

import "sort"

// segment is a contiguous run of received bytes starting at start.
type segment struct {
	start int64
	data  []byte
}

func (s segment) end() int64 {
	return s.start + int64(len(s.data))
}

// segmentSet keeps received ranges sorted by start offset.
// Between calls, segments never overlap and never touch.
type segmentSet struct {
	segs []segment
}

// insert merges p at off into the set. Bytes from p win wherever they overlap
// existing data; existing bytes are kept outside the overlap. p is never retained.
func (s *segmentSet) insert(off int64, p []byte) {
	if len(p) == 0 {
		return
	}
	end := off + int64(len(p))

	// Ends are sorted as well because segments are disjoint, so the first
	// segment reaching off is found by binary search.
	i := sort.Search(len(s.segs), func(k int) bool {
		return s.segs[k].end() >= off
	})
	j := i
	for j < len(s.segs) && s.segs[j].start <= end {
		j++
	}

	if i == j {
		data := make([]byte, len(p))
		copy(data, p)
		s.segs = append(s.segs, segment{})
		copy(s.segs[i+1:], s.segs[i:])
		s.segs[i] = segment{start: off, data: data}
		return
	}

	// Fully inside one existing segment: overwrite in place.
	if j-i == 1 && s.segs[i].start <= off && s.segs[i].end() >= end {
		copy(s.segs[i].data[off-s.segs[i].start:], p)
		return
	}

	start := min(off, s.segs[i].start)
	mergedEnd := max(end, s.segs[j-1].end())
	buf := make([]byte, mergedEnd-start)
	for _, seg := range s.segs[i:j] {
		copy(buf[seg.start-start:], seg.data)
	}
	copy(buf[off-start:], p)

	s.segs[i] = segment{start: start, data: buf}
	n := copy(s.segs[i+1:], s.segs[j:])
	clear(s.segs[i+1+n:])
	s.segs = s.segs[:i+1+n]
}

// covers reports whether the set is exactly one segment spanning [0, size).
func (s *segmentSet) covers(size int64) bool {
	return len(s.segs) == 1 && s.segs[0].start == 0 && int64(len(s.segs[0].data)) == size
}

// take removes and returns the bytes of the first segment.
func (s *segmentSet) take() []byte {
	if len(s.segs) == 0 {
		return nil
	}
	data := s.segs[0].data
	s.segs = nil
	return data
}

// received returns the number of distinct bytes held.
func (s *segmentSet) received() int64 {
	var n int64
	for _, seg := range s.segs {
		n += int64(len(seg.data))
	}
	return n
}

func (s *segmentSet) len() int {
	return len(s.segs)
}
