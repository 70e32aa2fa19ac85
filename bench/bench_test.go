package bench

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/require"
	"github.com/xf-yy/xfdb-go/internal/memtable"
	"github.com/xf-yy/xfdb-go/internal/segment"
	"github.com/xf-yy/xfdb-go/types"
)

// BenchmarkFlush measures segment-write throughput across value sizes,
// the direct successor of the teacher's BenchmarkAppend (entrySize x
// batchSize matrix over a log store) now driving internal/segment.Writer
// instead of raft-wal.
func BenchmarkFlush(b *testing.B) {
	sizes := []int{10, 1024, 64 * 1024}
	sizeNames := []string{"10", "1k", "64k"}
	counts := []int{100, 10000}

	for i, s := range sizes {
		for _, n := range counts {
			b.Run(fmt.Sprintf("valueSize=%s/objects=%d", sizeNames[i], n), func(b *testing.B) {
				runFlushBench(b, s, n)
			})
		}
	}
}

func runFlushBench(b *testing.B, valueSize, n int) {
	dir := b.TempDir()
	objs := makeObjects(n, valueSize)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dataPath := filepath.Join(dir, fmt.Sprintf("seg-%d.dat", i))
		idxPath := filepath.Join(dir, fmt.Sprintf("seg-%d.idx", i))
		w, err := segment.NewWriter(dataPath, idxPath, segment.WriteOptions{BloomFilterBitnum: 10})
		require.NoError(b, err)
		src := &sliceSource{objs: objs, pos: -1}
		_, err = w.WriteAll(src, 0)
		require.NoError(b, err)
	}
}

// BenchmarkPointLookup measures Reader.Get latency distribution, recorded
// via HdrHistogram-go the way the teacher pack's go.mod pulls it in for
// percentile reporting.
func BenchmarkPointLookup(b *testing.B) {
	dir := b.TempDir()
	n := 100000
	objs := makeObjects(n, 128)

	dataPath := filepath.Join(dir, "seg.dat")
	idxPath := filepath.Join(dir, "seg.idx")
	w, err := segment.NewWriter(dataPath, idxPath, segment.WriteOptions{BloomFilterBitnum: 10})
	require.NoError(b, err)
	_, err = w.WriteAll(&sliceSource{objs: objs, pos: -1}, 0)
	require.NoError(b, err)

	r, err := segment.Open(dataPath, idxPath, nil)
	require.NoError(b, err)
	defer r.Close()

	hist := hdrhistogram.New(1, 1000*1000, 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := objs[i%n].Key
		start := time.Now()
		_, _, err := r.Get(key, ^types.ObjectID(0)) // no visibility ceiling
		require.NoError(b, err)
		hist.RecordValue(time.Since(start).Microseconds())
	}
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-us")
	b.ReportMetric(float64(hist.ValueAtQuantile(50)), "p50-us")
}

// BenchmarkMemtableWrite measures ReadWriteMemWriter's write path, the
// memory-resident analogue of BenchmarkFlush.
func BenchmarkMemtableWrite(b *testing.B) {
	m := memtable.NewReadWriteMemWriter()
	key := make([]byte, 16)
	val := make([]byte, 128)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := types.ObjectID(i + 1)
		copy(key, fmt.Sprintf("key-%012d", i))
		require.NoError(b, m.Write(id, types.SetType, key, val))
	}
}

func makeObjects(n, valueSize int) []types.Object {
	val := make([]byte, valueSize)
	objs := make([]types.Object, n)
	for i := 0; i < n; i++ {
		objs[i] = types.Object{
			Type:  types.SetType,
			Key:   []byte(fmt.Sprintf("key-%012d", i)),
			Value: val,
			ID:    types.ObjectID(i + 1),
		}
	}
	return objs
}

type sliceSource struct {
	objs []types.Object
	pos  int
}

func (s *sliceSource) Next() bool {
	if s.pos+1 >= len(s.objs) {
		return false
	}
	s.pos++
	return true
}
func (s *sliceSource) Object() types.Object { return s.objs[s.pos] }
