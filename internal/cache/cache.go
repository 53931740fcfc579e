// Package cache implements the resolver's response cache: a sharded
// fingerprint-to-answer map with TTL expiry, single-flight coalescing of
// concurrent misses, and smallest-expiry eviction once a shard is full.
//
// The design generalizes the teacher's resolvers.TTLCache[K,V] (a single
// mutex guarding a container/list LRU) into N independent shards so that
// concurrent readers for unrelated fingerprints never contend on one lock,
// and promotes the teacher's per-resolver singleflight/inflight map
// (forwarding_resolver.go) into the cache itself, matching spec §4.4's
// framing of single-flight as a cache responsibility rather than a
// resolver-local optimization.
package cache

import (
	"context"
	"encoding/binary"
	"hash/maphash"
	"strings"
	"sync"
	"time"

	"github.com/hydraforge/resolver/internal/dns"
)

// ShardCount is the number of independent cache shards. Spec §4.4
// recommends at least 16.
const ShardCount = 16

// Fingerprint is the cache key: normalized name, question type, and class.
// It deliberately excludes the transaction id and client address so that
// logically identical questions from different clients share one entry.
type Fingerprint struct {
	Name  string
	Type  uint16
	Class uint16
}

// NewFingerprint builds a Fingerprint from a normalized question name.
func NewFingerprint(name string, qtype, qclass uint16) Fingerprint {
	return Fingerprint{Name: dns.NormalizeName(name), Type: qtype, Class: qclass}
}

var seed = maphash.MakeSeed()

func (f Fingerprint) shard() int {
	var h maphash.Hash
	h.SetSeed(seed)
	_, _ = h.WriteString(f.Name)
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], f.Type)
	binary.BigEndian.PutUint16(b[2:4], f.Class)
	_, _ = h.Write(b[:])
	return int(h.Sum64() % uint64(ShardCount))
}

// entry is one cached answer: the wire-format response (with a placeholder
// transaction id) plus the bookkeeping needed to decrement remaining TTL.
type entry struct {
	resp      []byte
	insertedAt time.Time
	expiresAt time.Time
}

// inflight tracks a single-flight dispatch in progress for one fingerprint.
type inflight struct {
	done chan struct{}
	resp []byte
	err  error
}

type shard struct {
	mu       sync.Mutex
	data     map[Fingerprint]*entry
	inflight map[Fingerprint]*inflight
}

// Cache is the resolver's sharded response cache.
type Cache struct {
	shards     [ShardCount]*shard
	maxEntries int // soft limit, spread evenly across shards

	hits   atomicCounter
	misses atomicCounter
}

// New builds a Cache with the given soft entry limit (spec default 10000).
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &Cache{maxEntries: maxEntries}
	for i := range c.shards {
		c.shards[i] = &shard{
			data:     make(map[Fingerprint]*entry),
			inflight: make(map[Fingerprint]*inflight),
		}
	}
	return c
}

func (c *Cache) shardFor(f Fingerprint) *shard {
	return c.shards[f.shard()]
}

// perShardLimit is the soft cap applied to each shard independently so the
// aggregate stays close to maxEntries without a global lock.
func (c *Cache) perShardLimit() int {
	n := c.maxEntries / ShardCount
	if n < 1 {
		n = 1
	}
	return n
}

// Lookup returns the cached answer for fp, with its transaction id patched
// to txid and record TTLs decremented by elapsed time (floor 1 second), or
// false if there is no reachable (unexpired) entry.
func (c *Cache) Lookup(fp Fingerprint, txid uint16) ([]byte, bool) {
	s := c.shardFor(fp)
	now := time.Now()

	s.mu.Lock()
	e, ok := s.data[fp]
	if ok && !now.Before(e.expiresAt) {
		delete(s.data, fp)
		ok = false
	}
	var resp []byte
	var age time.Duration
	if ok {
		resp = e.resp
		age = now.Sub(e.insertedAt)
	}
	s.mu.Unlock()

	if !ok {
		c.misses.add(1)
		return nil, false
	}
	c.hits.add(1)
	adjusted := adjustTTLs(resp, age)
	return patchTransactionID(adjusted, txid), true
}

// Insert stores resp (wire-format, any transaction id) under fp with the
// given TTL. ttl <= 0 is a no-op, matching spec's "TTL of 0 means do not
// cache". When the shard is at its soft limit, the entry with the smallest
// expiry-time is evicted first.
func (c *Cache) Insert(fp Fingerprint, resp []byte, ttl time.Duration) {
	if ttl <= 0 || len(resp) == 0 {
		return
	}
	now := time.Now()
	e := &entry{resp: patchTransactionID(resp, 0), insertedAt: now, expiresAt: now.Add(ttl)}

	s := c.shardFor(fp)
	limit := c.perShardLimit()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[fp]; !exists && len(s.data) >= limit {
		s.evictSmallestExpiryLocked()
	}
	s.data[fp] = e
}

func (s *shard) evictSmallestExpiryLocked() {
	var victim Fingerprint
	var victimExpiry time.Time
	first := true
	for k, v := range s.data {
		if first || v.expiresAt.Before(victimExpiry) {
			victim = k
			victimExpiry = v.expiresAt
			first = false
		}
	}
	if !first {
		delete(s.data, victim)
	}
}

// Dispatch coalesces concurrent misses for fp: the first caller invokes fn
// and stores its result for the duration of the call; subsequent concurrent
// callers for the same fingerprint block on the same result instead of
// calling fn again. The leader bool tells the caller whether it was the one
// that actually ran fn (and is therefore responsible for any follow-up
// cache Insert).
func (c *Cache) Dispatch(ctx context.Context, fp Fingerprint, fn func(context.Context) ([]byte, error)) (resp []byte, err error, leader bool) {
	s := c.shardFor(fp)

	s.mu.Lock()
	if call, ok := s.inflight[fp]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.resp, call.err, false
		case <-ctx.Done():
			return nil, ctx.Err(), false
		}
	}
	call := &inflight{done: make(chan struct{})}
	s.inflight[fp] = call
	s.mu.Unlock()

	call.resp, call.err = fn(ctx)
	close(call.done)

	s.mu.Lock()
	delete(s.inflight, fp)
	s.mu.Unlock()

	return call.resp, call.err, true
}

// Clear removes every entry from the cache.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.data = make(map[Fingerprint]*entry)
		s.mu.Unlock()
	}
}

// ClearByName removes every entry whose fingerprint name equals name
// (any type or class), per spec §4.4's "clear-by-name" admin operation.
func (c *Cache) ClearByName(name string) {
	name = dns.NormalizeName(name)
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.data {
			if strings.EqualFold(k.Name, name) {
				delete(s.data, k)
			}
		}
		s.mu.Unlock()
	}
}

// Sweep removes expired entries opportunistically. The cache is correct
// without ever calling this (Lookup already evicts lazily); callers
// typically run it on a 60s ticker per spec §4.4.
func (c *Cache) Sweep() {
	now := time.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.data {
			if now.After(e.expiresAt) {
				delete(s.data, k)
			}
		}
		s.mu.Unlock()
	}
}

// Stats reports hit/miss counters and current entry count.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
	HitRate float64
}

func (c *Cache) Stats() Stats {
	hits := c.hits.load()
	misses := c.misses.load()
	entries := 0
	for _, s := range c.shards {
		s.mu.Lock()
		entries += len(s.data)
		s.mu.Unlock()
	}
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, Entries: entries, HitRate: rate}
}

// patchTransactionID replaces the first two bytes (the wire transaction id)
// of msg with txid. Grounded on resolvers.PatchTransactionID.
func patchTransactionID(msg []byte, txid uint16) []byte {
	if len(msg) < 2 {
		return msg
	}
	if msg[0] == byte(txid>>8) && msg[1] == byte(txid) {
		return msg
	}
	out := make([]byte, len(msg))
	copy(out, msg)
	out[0] = byte(txid >> 8)
	out[1] = byte(txid)
	return out
}

// adjustTTLs decrements every record's TTL in a wire-format response by
// age, flooring at 1 second. It walks the wire format directly rather than
// fully parsing the packet, mirroring forwarding_resolver.go's adjustTTLs.
func adjustTTLs(respBytes []byte, age time.Duration) []byte {
	if len(respBytes) < dns.HeaderSize || age <= 0 {
		return respBytes
	}
	ageSeconds := uint32(age.Seconds())
	if ageSeconds == 0 {
		return respBytes
	}

	adjusted := make([]byte, len(respBytes))
	copy(adjusted, respBytes)

	qdcount := binary.BigEndian.Uint16(adjusted[4:6])
	ancount := binary.BigEndian.Uint16(adjusted[6:8])
	nscount := binary.BigEndian.Uint16(adjusted[8:10])
	arcount := binary.BigEndian.Uint16(adjusted[10:12])

	off := dns.HeaderSize
	for range qdcount {
		_, err := dns.DecodeName(adjusted, &off)
		if err != nil || off+4 > len(adjusted) {
			return respBytes
		}
		off += 4
	}

	total := int(ancount) + int(nscount) + int(arcount)
	for range total {
		_, err := dns.DecodeName(adjusted, &off)
		if err != nil || off+10 > len(adjusted) {
			return respBytes
		}
		recordType := binary.BigEndian.Uint16(adjusted[off : off+2])
		off += 4 // TYPE + CLASS
		if recordType != uint16(dns.TypeOPT) {
			oldTTL := binary.BigEndian.Uint32(adjusted[off : off+4])
			newTTL := uint32(1)
			if oldTTL > ageSeconds {
				newTTL = max(uint32(1), oldTTL-ageSeconds)
			}
			binary.BigEndian.PutUint32(adjusted[off:off+4], newTTL)
		}
		off += 4
		if off+2 > len(adjusted) {
			return respBytes
		}
		rdlen := int(binary.BigEndian.Uint16(adjusted[off : off+2]))
		off += 2
		if off+rdlen > len(adjusted) {
			return respBytes
		}
		off += rdlen
	}
	return adjusted
}

// MinTTL returns the smallest TTL among answer records, or 0 if there are
// none. Callers use this to decide the TTL to pass to Insert.
func MinTTL(answers []dns.Record) uint32 {
	var lowest uint32
	found := false
	for _, r := range answers {
		ttl := r.Header().TTL
		if !found || ttl < lowest {
			lowest = ttl
			found = true
		}
	}
	if !found {
		return 0
	}
	return lowest
}
