package xfdb

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/xf-yy/xfdb-go/internal/compact"
	"github.com/xf-yy/xfdb-go/internal/segment"
	"github.com/xf-yy/xfdb-go/types"
)

// runMerge drains triggerMerge onto the engine's part_merge pool, the
// same trigger-channel-to-worker-pool shape runFlush uses.
func (b *Bucket) runMerge() {
	defer b.wg.Done()
	for {
		select {
		case <-b.triggerMerge:
			done := make(chan struct{})
			b.db.engine.partMergePool.Submit(func() {
				b.partMergeOnce()
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

// partMergeOnce selects and runs part-merge plans spec.md §4.6's
// size-tiered strategy calls for, re-selecting after every round so a
// merge that bumps merge_factor segments up a level immediately becomes
// eligible for the next round if enough of its new level's siblings are
// now alive too — otherwise a level-0-to-level-2 cascade would stall after
// producing the level-1 segments and wait for the next trigger instead of
// quiescing to one pass.
func (b *Bucket) partMergeOnce() {
	for {
		b.writeMu.Lock()
		s := b.loadState()
		infos := make([]compact.SegmentInfo, len(s.segments))
		for i, h := range s.segments {
			infos[i] = compact.SegmentInfo{
				FileID:        h.stat.SegmentFileID,
				DataFileSize:  h.stat.DataFileSize,
				IndexFileSize: h.stat.IndexFileSize,
			}
		}
		nextSegID := s.nextSegmentID
		b.writeMu.Unlock()

		plans := compact.SelectPartMerge(infos, b.cfg.MaxLevelNum, b.db.engine.Config.MergeFactor, b.db.engine.Config.MaxMergeSize, &nextSegID)
		if len(plans) == 0 {
			return
		}
		failed := false
		for _, p := range plans {
			start := time.Now()
			err := b.runMergePlan(p)
			b.db.engine.compactionMetrics.mergeDuration.WithLabelValues("part").Observe(time.Since(start).Seconds())
			outcome := "ok"
			if err != nil {
				failed = true
				outcome = "error"
				level.Error(b.db.engine.Logger).Log("msg", "part merge failed", "bucket", b.info.Name, "err", err)
			}
			b.db.engine.compactionMetrics.mergesCompleted.WithLabelValues("part", outcome).Inc()
		}
		if failed {
			return
		}
	}
}

// FullMerge runs spec.md §4.6's full-merge strategy against every alive
// segment in the bucket. It refuses (returning a KindInProcessing Error)
// if a full merge is already running for this bucket.
func (b *Bucket) FullMerge() error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	if !atomic.CompareAndSwapInt32(&b.fullMergeBusy, 0, 1) {
		return &Error{Kind: KindInProcessing, Op: "full_merge", Path: b.info.Name, Err: ErrInProcessing}
	}
	defer atomic.StoreInt32(&b.fullMergeBusy, 0)

	start := time.Now()
	err := b.fullMergeOnce()
	b.db.engine.compactionMetrics.mergeDuration.WithLabelValues("full").Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	b.db.engine.compactionMetrics.mergesCompleted.WithLabelValues("full", outcome).Inc()
	return err
}

func (b *Bucket) fullMergeOnce() error {
	b.writeMu.Lock()
	s := b.loadState()
	infos := make([]compact.SegmentInfo, len(s.segments))
	oldestMerge := true
	for i, h := range s.segments {
		infos[i] = compact.SegmentInfo{
			FileID:        h.stat.SegmentFileID,
			DataFileSize:  h.stat.DataFileSize,
			IndexFileSize: h.stat.IndexFileSize,
		}
		if types.Level(h.stat.SegmentFileID) < b.cfg.MaxLevelNum {
			oldestMerge = false
		}
	}
	nextSegID := s.nextSegmentID
	b.writeMu.Unlock()

	if len(infos) < 2 {
		return nil
	}
	plan := compact.SelectFullMerge(infos, &nextSegID, oldestMerge)
	return b.runMergePlan(plan)
}

// runMergePlan reads p's input segments through a k-way merge and writes
// the result as one new segment, then atomically swaps the bucket's
// segment set, deferring the old segments' file deletion to the
// finalizer so an in-flight reader never sees a torn segment set.
func (b *Bucket) runMergePlan(p compact.Plan) error {
	b.writeMu.Lock()
	s := b.loadState()
	handles := make([]segmentHandle, 0, len(p.Inputs))
	for _, in := range p.Inputs {
		idx := s.findSegment(in.FileID)
		if idx < 0 {
			b.writeMu.Unlock()
			return nil // stale plan: another merge already consumed this input
		}
		handles = append(handles, s.segments[idx])
	}
	b.writeMu.Unlock()

	sources := make([]compact.Source, len(handles))
	var objectsRead, deletesRead uint64
	for i, h := range handles {
		st, _, _, _ := h.reader.Meta()
		objectsRead += st.ObjectCount()
		deletesRead += st.DeleteCount
		// handles are fileid-ascending; priority 0 goes to the newest.
		sources[i] = compact.NewSegmentSource(len(handles)-1-i, h.reader.NewIterator())
	}
	merged := compact.NewMergeIterator(sources)
	dropTombstones := p.FullMerge && p.OldestMerge
	out := compact.NewOutputSource(merged, dropTombstones)

	dataPath, idxPath := segmentPath(b.dir, p.OutputID)
	w, err := segment.NewWriter(dataPath, idxPath, segment.WriteOptions{
		BloomFilterBitnum: b.cfg.BloomFilterBitnum,
		SyncData:          b.cfg.SyncData,
	})
	if err != nil {
		return err
	}
	stat, err := w.WriteAll(out, p.OutputID)
	if err != nil {
		os.Remove(dataPath)
		os.Remove(idxPath)
		return err
	}

	kind := "part"
	if p.FullMerge {
		kind = "full"
	}
	b.db.engine.compactionMetrics.mergeObjectsMerged.WithLabelValues(kind).Add(float64(objectsRead))
	b.db.engine.compactionMetrics.mergeBytesWritten.WithLabelValues(kind).Add(float64(stat.DataFileSize + stat.IndexFileSize))
	dropped := deletesRead - stat.ObjectStat.DeleteCount
	if dropTombstones && dropped > 0 {
		b.db.engine.compactionMetrics.tombstonesDropped.Add(float64(dropped))
	}

	var r *segment.Reader
	if stat.ObjectStat.ObjectCount() > 0 {
		r, err = segment.Open(dataPath, idxPath, b.db.engine.cache)
		if err != nil {
			os.Remove(dataPath)
			os.Remove(idxPath)
			return err
		}
	} else {
		// every input object folded away (pure tombstone run in an
		// oldest full merge): no output segment to publish.
		os.Remove(dataPath)
		os.Remove(idxPath)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	err = b.mutateStateLocked(func(newS *bucketState) (func(), error) {
		inputSet := make(map[uint64]bool, len(p.Inputs))
		for _, in := range p.Inputs {
			inputSet[in.FileID] = true
		}
		var removed, remaining []segmentHandle
		for _, h := range newS.segments {
			if inputSet[h.stat.SegmentFileID] {
				removed = append(removed, h)
				continue
			}
			remaining = append(remaining, h)
		}
		if r != nil {
			remaining = append(remaining, segmentHandle{reader: r, stat: types.SegmentStat{
				SegmentFileID:   p.OutputID,
				DataFileSize:    stat.DataFileSize,
				IndexFileSize:   stat.IndexFileSize,
				L2IndexMetaSize: stat.L2IndexMetaSize,
			}})
		}
		sortSegmentsDesc(remaining)
		newS.segments = remaining
		if sid := types.SegmentID(p.OutputID); sid >= newS.nextSegmentID {
			newS.nextSegmentID = sid + 1
		}
		dir := b.dir
		return func() {
			for _, h := range removed {
				h.reader.Close()
				dp, ip := segmentPath(dir, h.stat.SegmentFileID)
				os.Remove(dp)
				os.Remove(ip)
			}
		}, nil
	})
	if err != nil {
		if r != nil {
			r.Close()
		}
		return err
	}
	return nil
}
