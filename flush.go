package xfdb

import (
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/xf-yy/xfdb-go/internal/memtable"
	"github.com/xf-yy/xfdb-go/internal/segment"
	"github.com/xf-yy/xfdb-go/types"
)

// runFlush mirrors wal.go's runRotate: one goroutine draining triggerFlush
// and handing the actual work to the engine's write_segment pool, so a
// burst of triggers collapses into however many flushes the pool can run
// concurrently rather than queueing one goroutine per trigger.
func (b *Bucket) runFlush() {
	defer b.wg.Done()
	for {
		select {
		case <-b.triggerFlush:
			done := make(chan struct{})
			b.db.engine.writeSegmentPool.Submit(func() {
				b.flushOnce()
				close(done)
			})
			select {
			case <-done:
			case <-b.closeSignal:
			}
		case <-b.closeSignal:
			return
		}
	}
}

// flushOnce seals the active memtable if it has crossed a flush threshold,
// then drains the sealed chain oldest-first into segments. writeMu is held
// for the duration, matching the *Locked naming/behavior convention
// wal.go's rotateSegmentLocked establishes (I/O happens while the write
// lock is held; readers are unaffected since they only ever touch the
// published *bucketState).
func (b *Bucket) flushOnce() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if s := b.loadState(); memtable.ShouldFlush(s.active, b.flushPolicy) {
		b.sealActiveLocked()
	}

	for {
		s := b.loadState()
		if len(s.sealed) == 0 {
			return
		}
		oldest := s.sealed[len(s.sealed)-1]
		if err := b.flushMemtableLocked(oldest); err != nil {
			level.Error(b.db.engine.Logger).Log("msg", "flush failed", "bucket", b.info.Name, "err", err)
			return
		}
	}
}

func (b *Bucket) sealActiveLocked() {
	s := b.loadState()
	s.active.Seal()
	n := s.clone()
	n.sealed = append([]memtable.MemWriter{s.active}, n.sealed...)
	n.active = memtable.NewReadWriteMemWriter()
	b.s.Store(n)
	b.db.engine.bucketMetrics.activeMemtables.Inc()
}

// flushMemtableLocked writes m to a new segment and publishes the result,
// per spec.md §4.1's flush path. writeMu must be held.
func (b *Bucket) flushMemtableLocked(m memtable.MemWriter) error {
	s := b.loadState()
	fileID := types.MakeFileID(s.nextSegmentID, 0)
	dataPath, idxPath := segmentPath(b.dir, fileID)

	w, err := segment.NewWriter(dataPath, idxPath, segment.WriteOptions{
		BloomFilterBitnum: b.cfg.BloomFilterBitnum,
		SyncData:          b.cfg.SyncData,
	})
	if err != nil {
		return err
	}
	it := m.NewIterator(^types.ObjectID(0))
	stat, err := w.WriteAll(it, 0)
	it.Close()
	if err != nil {
		return err
	}

	r, err := segment.Open(dataPath, idxPath, b.db.engine.cache)
	if err != nil {
		return err
	}

	err = b.mutateStateLocked(func(newS *bucketState) (func(), error) {
		idx := -1
		for i, sm := range newS.sealed {
			if sm == m {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("bucket: flushed memtable missing from sealed chain")
		}
		newS.sealed = append(append([]memtable.MemWriter(nil), newS.sealed[:idx]...), newS.sealed[idx+1:]...)
		newS.segments = append(newS.segments, segmentHandle{reader: r, stat: types.SegmentStat{
			SegmentFileID:   fileID,
			DataFileSize:    stat.DataFileSize,
			IndexFileSize:   stat.IndexFileSize,
			L2IndexMetaSize: stat.L2IndexMetaSize,
		}})
		sortSegmentsDesc(newS.segments)
		newS.nextSegmentID = s.nextSegmentID + 1
		return nil, nil
	})
	if err != nil {
		r.Close()
		return err
	}

	b.db.engine.bucketMetrics.flushes.Inc()
	b.db.engine.bucketMetrics.flushBytes.Add(float64(stat.DataFileSize + stat.IndexFileSize))
	b.db.engine.bucketMetrics.activeMemtables.Dec()
	b.triggerMergeLocked()
	return nil
}
