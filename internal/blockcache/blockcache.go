// Package blockcache implements the process-wide bounded LRUs spec.md
// §4.3 calls for (bloom-filter cache, index-block cache, data-block
// cache), keyed by "file_path || offset". Built on
// github.com/hashicorp/golang-lru/v2, the ecosystem's standard generic
// LRU, rather than a hand-rolled list+map.
package blockcache

import (
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Key identifies a cached block by the file it came from and its byte
// offset within that file.
type Key struct {
	Path   string
	Offset uint64
}

func (k Key) String() string {
	return k.Path + "#" + strconv.FormatUint(k.Offset, 10)
}

// Cache is a bounded LRU of decoded block bytes. A nil *Cache is valid and
// behaves as an always-miss cache, so callers can disable caching by
// configuring zero capacity without special-casing lookups.
type Cache struct {
	lru *lru.Cache[Key, []byte]
}

// New builds a cache holding at most capacity entries. capacity <= 0
// disables caching.
func New(capacity int) *Cache {
	if capacity <= 0 {
		return nil
	}
	c, err := lru.New[Key, []byte](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, already handled above.
		panic(err)
	}
	return &Cache{lru: c}
}

func (c *Cache) Get(k Key) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(k)
}

func (c *Cache) Put(k Key, data []byte) {
	if c == nil {
		return
	}
	c.lru.Add(k, data)
}

// Set groups the three caches, matching spec.md §4.3's "all
// bounded-capacity LRUs, process-wide". A Segment Reader consults Index and
// Data only: bloom filters are stored inside L1 index blocks and are cached
// with them, so Bloom is not read by the Reader.
type Set struct {
	Bloom *Cache
	Index *Cache
	Data  *Cache
}

func NewSet(bloomCap, indexCap, dataCap int) *Set {
	return &Set{
		Bloom: New(bloomCap),
		Index: New(indexCap),
		Data:  New(dataCap),
	}
}
