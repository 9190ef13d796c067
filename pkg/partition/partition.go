package partition

import "fmt"

// Chunk is the half-open row range [Start, End) owned by one execution unit.
type Chunk struct {
	Start  int
	End    int
	Device Device
}

// Len returns the number of rows in the chunk.
func (c Chunk) Len() int { return c.End - c.Start }

func (c Chunk) String() string {
	return fmt.Sprintf("rows [%d, %d) on %s", c.Start, c.End, c.Device)
}

// Partition splits [0, rows) into chunks for target.
//
// On a CPUPool, chunkSize > 0 gives fixed-size chunks and chunkSize == 0 gives
// one balanced chunk per worker. On GPUDevices every device gets one balanced
// range in list order, optionally split further into chunkSize pieces.
// Chunks are ascending, non-empty and tile [0, rows) exactly.
func Partition(rows int, target Target, chunkSize int) ([]Chunk, error) {
	if target == nil {
		target = CPUPool{}
	}
	if err := target.validate(); err != nil {
		return nil, err
	}
	if rows < 0 {
		return nil, fmt.Errorf("%w: negative row count %d", ErrInvalidTarget, rows)
	}
	if chunkSize < 0 {
		return nil, fmt.Errorf("%w: negative chunk size %d", ErrInvalidTarget, chunkSize)
	}
	if rows == 0 {
		return nil, nil
	}

	switch t := target.(type) {
	case CPUPool:
		if chunkSize > 0 {
			return fixed(0, rows, chunkSize, HostDevice), nil
		}
		return balanced(rows, t.Workers(), func(int) Device { return HostDevice }), nil
	case GPUDevices:
		ranges := balanced(rows, len(t.IDs), func(i int) Device {
			return Device{Kind: GPU, ID: t.IDs[i]}
		})
		if chunkSize == 0 {
			return ranges, nil
		}
		var out []Chunk
		for _, r := range ranges {
			out = append(out, fixed(r.Start, r.End, chunkSize, r.Device)...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported target %T", ErrInvalidTarget, target)
	}
}

// balanced splits [0, rows) into min(parts, rows) ranges whose lengths differ
// by at most one.
func balanced(rows, parts int, device func(int) Device) []Chunk {
	if parts > rows {
		parts = rows
	}
	if parts < 1 {
		parts = 1
	}
	base, extra := rows/parts, rows%parts
	out := make([]Chunk, 0, parts)
	start := 0
	for i := 0; i < parts; i++ {
		n := base
		if i < extra {
			n++
		}
		out = append(out, Chunk{Start: start, End: start + n, Device: device(i)})
		start += n
	}
	return out
}

func fixed(start, end, size int, d Device) []Chunk {
	out := make([]Chunk, 0, (end-start+size-1)/size)
	for s := start; s < end; s += size {
		e := s + size
		if e > end {
			e = end
		}
		out = append(out, Chunk{Start: s, End: e, Device: d})
	}
	return out
}

// Validate checks that chunks tile [0, rows) in ascending order without
// gaps, overlaps or empty ranges.
func Validate(chunks []Chunk, rows int) error {
	next := 0
	for i, c := range chunks {
		if c.Start != next {
			return fmt.Errorf("chunk %d starts at row %d, expected %d", i, c.Start, next)
		}
		if c.End <= c.Start {
			return fmt.Errorf("chunk %d is empty: %s", i, c)
		}
		next = c.End
	}
	if next != rows {
		return fmt.Errorf("chunks cover %d of %d rows", next, rows)
	}
	return nil
}
