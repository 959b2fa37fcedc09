package gatt

import (
	"context"
	"fmt"
)

// attWriteOverhead is the ATT write PDU header: opcode (1) plus attribute
// handle (2). Each chunk carries at most MTU minus this overhead.
const attWriteOverhead = 3

// ChunkSize returns the largest payload a single write on this link can
// carry under the current MTU.
func (l *Link) ChunkSize() int {
	size := l.MTU() - attWriteOverhead
	if size <= 0 {
		size = DefaultMTU - attWriteOverhead
	}
	return size
}

// SplitWrite writes value as sequential MTU-sized chunks, each an ordinary
// write through the request slot. Chunk N+1 is not submitted until chunk N
// completed. On failure it stops immediately and reports how many chunks
// completed; there is no rollback, so a partial write leaves the remote
// value in whatever state the completed chunks produced.
func (c *Characteristic) SplitWrite(ctx context.Context, value []byte, wt WriteType) (int, error) {
	if c.link == nil {
		return 0, errServerRole
	}

	var need Property
	switch wt {
	case WriteWithoutResponse:
		need = PropWriteNoResponse
	case WriteSigned:
		need = PropSignedWrite
	default:
		need = PropWrite
	}
	if !c.props.Has(need) {
		return 0, &CapabilityError{Op: "write", Target: c.id, Need: need, Declared: c.props}
	}

	chunkSize := c.link.ChunkSize()
	total := (len(value) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1 // empty payload still issues one write
	}

	completed := 0
	for off := 0; off < len(value) || completed == 0; off += chunkSize {
		end := off + chunkSize
		if end > len(value) {
			end = len(value)
		}
		if err := c.Write(ctx, value[off:end], wt); err != nil {
			return completed, fmt.Errorf("chunk %d of %d: %w", completed+1, total, err)
		}
		completed++
	}
	return completed, nil
}
