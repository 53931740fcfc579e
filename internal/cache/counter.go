package cache

import "sync/atomic"

// atomicCounter is a tiny wrapper kept separate from the hot Lookup/Insert
// path so Stats() never takes a shard lock just to read hit/miss totals.
type atomicCounter struct {
	v atomic.Uint64
}

func (c *atomicCounter) add(n uint64)  { c.v.Add(n) }
func (c *atomicCounter) load() uint64 { return c.v.Load() }
