package xfdb

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xf-yy/xfdb-go/internal/blockcache"
	"github.com/xf-yy/xfdb-go/internal/engine"
)

// Engine is the process-wide collaborator a DB is opened against: shared
// block caches and the bounded worker pools spec.md §6 names
// (write_segment, write_metadata, part_merge, full_merge, reload_db). A
// process may open several DBs against one Engine and they share these
// resources, the same way the teacher's metrics/registerer are shared
// across WALs opened from one process.
type Engine struct {
	Config EngineConfig
	Logger log.Logger

	cache *blockcache.Set

	writeSegmentPool  *engine.Pool
	writeMetadataPool *engine.Pool
	partMergePool     *engine.Pool
	fullMergePool     *engine.Pool
	reloadDBPool      *engine.Pool

	compactionMetrics *compactionMetrics
	bucketMetrics     *bucketMetrics
}

// NewEngine validates cfg and starts its worker pools. logger and reg may
// be nil, in which case a no-op logger and the default Prometheus
// registerer are used.
func NewEngine(cfg EngineConfig, logger log.Logger, reg prometheus.Registerer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	e := &Engine{
		Config:            cfg,
		Logger:            logger,
		cache:             blockcache.NewSet(cfg.BloomCacheSize, cfg.IndexCacheSize, cfg.DataCacheSize),
		writeSegmentPool:  engine.NewPool(cfg.WriteSegmentWorkers, 0),
		writeMetadataPool: engine.NewPool(cfg.WriteMetadataWorkers, 0),
		partMergePool:     engine.NewPool(cfg.PartMergeWorkers, 0),
		fullMergePool:     engine.NewPool(cfg.FullMergeWorkers, 0),
		reloadDBPool:      engine.NewPool(cfg.ReloadDBWorkers, 0),
		compactionMetrics: newCompactionMetrics(reg),
		bucketMetrics:     newBucketMetrics(reg),
	}
	return e, nil
}

// Open opens (or creates) a database directory against this engine.
func (e *Engine) Open(dir string, cfg DBConfig) (*DB, error) {
	return openDB(e, dir, cfg)
}

// Close stops every worker pool. It does not close any DB opened against
// this engine; callers must Close each DB first.
func (e *Engine) Close() {
	e.writeSegmentPool.Close()
	e.writeMetadataPool.Close()
	e.partMergePool.Close()
	e.fullMergePool.Close()
	e.reloadDBPool.Close()
}
