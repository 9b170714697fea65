package queue

// offsetTable tracks, per partition, the next offset to commit. It is only
// touched by the processing loop.
type offsetTable struct {
	next PartitionOffsets
}

func newOffsetTable() *offsetTable {
	return &offsetTable{next: PartitionOffsets{}}
}

// track records a processed offset. Entries never move backwards.
func (t *offsetTable) track(partition int32, offset int64) {
	if offset < 0 {
		return
	}
	if cur, ok := t.next[partition]; ok && cur >= offset+1 {
		return
	}
	t.next[partition] = offset + 1
}

func (t *offsetTable) pending() PartitionOffsets { return t.next.Clone() }

func (t *offsetTable) len() int { return len(t.next) }

// clear drops entries that were committed and have not advanced since.
func (t *offsetTable) clear(committed PartitionOffsets) {
	for p, off := range committed {
		if cur, ok := t.next[p]; ok && cur <= off {
			delete(t.next, p)
		}
	}
}
