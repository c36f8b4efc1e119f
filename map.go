// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hopscotch is a Go implementation of hopscotch hashing as described
// in Herlihy, Shavit and Tzafrir, "Hopscotch Hashing" (DISC 2008). The Map
// associates string keys with int64 values.
//
// # Hopscotch hashing
//
// Hopscotch hashing is an open-addressing scheme. Every key hashes to a home
// bucket and must reside in one of the neighborhoodSize buckets starting at
// its home (wrapping around the end of the bucket array). Each bucket carries
// a small bitmap, the hop information, recording which buckets of the
// neighborhood starting at it hold keys whose home it is. A lookup therefore
// never examines more than neighborhoodSize buckets, regardless of the load
// of the table.
//
// Insertion linearly probes forward from the home bucket for an empty bucket.
// If the empty bucket is too far away to be recorded in the home bitmap, an
// entry sitting between the home and the empty bucket is moved ("hops") into
// the empty bucket, provided that doing so keeps the moved entry within its
// own neighborhood. The bucket it vacated becomes the new empty bucket, which
// is now closer to the home. This repeats until the empty bucket falls inside
// the home neighborhood. If no entry can be moved, or the home neighborhood is
// already full, the table is grown to the next power of two and every entry
// is reinserted.
//
// The hop information of a bucket is a single byte. Offset i from the bucket
// is recorded in bit neighborhoodSize-1-i, i.e. offset 0 is the most
// significant bit:
//
//	bucket:   h   h+1 h+2 h+3 h+4 h+5 h+6 h+7
//	bit:      7   6   5   4   3   2   1   0
//
// The bitmap of a bucket describes the neighborhood starting at that bucket,
// not the entry stored in it. Moving or deleting the entry stored in a bucket
// never changes the bucket's own bitmap.
//
// # Implementation
//
// Capacities are always powers of two so that hash&mask replaces a modulo.
// Growth is triggered before an insertion would push the number of entries
// above capacity*loadFactor (0.98 by default), when the home neighborhood is
// full, or when displacement cannot make progress. Each growth strictly
// increases the capacity and is bounded by the maximum capacity of the map,
// so a Put either succeeds or fails with ErrAllocationFailed.
//
// Bucket memory is obtained from an Allocator. Resizing populates a freshly
// allocated bucket array and only releases the old one once every entry has
// been reinserted, so a failed resize leaves the map untouched.
package hopscotch

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	debug = false

	// neighborhoodSize is the number of buckets, starting at a key's home
	// bucket, in which the key may reside.
	neighborhoodSize = 8

	defaultInitialCapacity = 16
	defaultLoadFactor      = 0.98
	// minLoadFactor is the smallest load factor that lets the smallest table
	// hold an entry.
	minLoadFactor = 1.0 / neighborhoodSize

	// maxCapacityLimit bounds the capacity of any Map. Hashes are 32 bits, so
	// no larger table could be addressed by hash&mask anyway.
	maxCapacityLimit = 1 << 30
)

var (
	// ErrAllocationFailed is returned when bucket memory could not be obtained,
	// either because the Allocator failed or because the capacity required
	// exceeds the maximum capacity of the map.
	ErrAllocationFailed = errors.New("hopscotch: allocation failed")

	// ErrClosed is returned when modifying a Map after Close.
	ErrClosed = errors.New("hopscotch: map is closed")
)

// Bucket holds a key and value, along with the hop information of the
// neighborhood starting at the bucket.
type Bucket struct {
	key   string
	value int64
	// hopInfo records which buckets of the neighborhood starting at this
	// bucket hold an entry whose home is this bucket.
	hopInfo neighborhood
	// occupied is false for empty buckets. The empty string is a valid key,
	// so emptiness cannot be inferred from key.
	occupied bool
}

// clear empties the bucket, leaving its hop information intact.
func (b *Bucket) clear() {
	b.key = ""
	b.value = 0
	b.occupied = false
}

// Map is an unordered map from string keys to int64 values with Put, Get,
// Delete, and All operations, implemented as a hopscotch hash table.
//
// A Map is NOT goroutine-safe.
type Map struct {
	// The hash function applied to keys. Defaults to FNV1a.
	hash func(key string) uint32
	// The allocator to use for the bucket arrays.
	allocator Allocator
	logger    *zap.Logger
	// loadFactor is the fraction of the capacity that may be filled before
	// the table is grown.
	loadFactor float64
	// maxCapacity is the largest capacity the table may grow to.
	maxCapacity int

	table table
	// The number of occupied buckets (i.e. the number of elements in the map).
	used int
	// growthLimit is floor(capacity*loadFactor). An insertion of a new key
	// grows the table first if used has reached growthLimit.
	growthLimit int
	closed      bool
}

// New constructs a new Map with the specified initial capacity, which is
// rounded up to a power of two no smaller than neighborhoodSize. If
// initialCapacity is <= 0 a capacity of 16 (or the maximum capacity, if
// smaller) is used. New fails only if the
// options are invalid or the initial bucket array cannot be allocated.
func New(initialCapacity int, options ...option) (*Map, error) {
	m := &Map{
		hash:        FNV1a,
		allocator:   defaultAllocator{},
		logger:      zap.NewNop(),
		loadFactor:  defaultLoadFactor,
		maxCapacity: maxCapacityLimit,
	}

	for _, op := range options {
		op.apply(m)
	}

	if !(m.loadFactor >= minLoadFactor && m.loadFactor <= 1) {
		return nil, errors.Newf("hopscotch: load factor %v not in [%v, 1]", m.loadFactor, minLoadFactor)
	}
	if m.maxCapacity < neighborhoodSize || m.maxCapacity > maxCapacityLimit {
		return nil, errors.Newf("hopscotch: max capacity %d not in [%d, %d]",
			m.maxCapacity, neighborhoodSize, maxCapacityLimit)
	}

	if initialCapacity <= 0 {
		initialCapacity = min(defaultInitialCapacity, m.maxCapacity)
	}
	capacity, err := m.targetCapacity(initialCapacity)
	if err != nil {
		return nil, err
	}
	buckets, err := m.alloc(capacity)
	if err != nil {
		return nil, err
	}
	m.install(buckets)

	m.checkInvariants()
	return m, nil
}

// Close closes the map, releasing the bucket array back to its configured
// allocator. Put and Resize on a closed map return ErrClosed, while Get and
// Delete report every key as missing. Close itself is idempotent.
func (m *Map) Close() {
	if m.table.buckets != nil {
		m.allocator.FreeBuckets(m.table.buckets)
	}
	m.table = table{}
	m.used = 0
	m.growthLimit = 0
	m.closed = true
}

// Put inserts an entry into the map, overwriting the value if an entry with
// the same key already exists. Overwriting never changes Len. Put fails only
// if the map had to grow and the bucket array could not be allocated, in
// which case the entries of the map are left unchanged. A Put may grow the
// map more than once; if a later growth fails, the capacity reached by the
// earlier ones is kept and entries may have moved within their
// neighborhoods.
func (m *Map) Put(key string, value int64) error {
	if m.closed {
		return ErrClosed
	}

	h := m.hash(key)
	if debug {
		fmt.Printf("put(%q): hash=%08x home=%d\n", key, h, h&m.table.mask)
	}

	if home, off, ok := m.table.find(h, key); ok {
		if debug {
			fmt.Printf("put(updating): home=%d offset=%d\n", home, off)
		}
		m.table.at(home, off).value = value
		m.checkInvariants()
		return nil
	}

	for {
		// Before performing the insertion we may decide the table is getting
		// overcrowded. Insertion itself reports when the key cannot be placed
		// within its neighborhood. Either way we grow and try again.
		if m.used < m.growthLimit && m.table.uncheckedPut(h, key, value) {
			m.used++
			m.checkInvariants()
			return nil
		}
		if err := m.grow(); err != nil {
			return err
		}
	}
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map) Get(key string) (value int64, ok bool) {
	if m.table.buckets == nil {
		return 0, false
	}
	home, off, ok := m.table.find(m.hash(key), key)
	if !ok {
		return 0, false
	}
	return m.table.at(home, off).value, true
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning the removed value. It is a noop to delete a non-existent key, in
// which case ok=false is returned. The map never shrinks.
func (m *Map) Delete(key string) (value int64, ok bool) {
	if m.table.buckets == nil {
		return 0, false
	}
	home, off, ok := m.table.find(m.hash(key), key)
	if !ok {
		return 0, false
	}

	b := m.table.at(home, off)
	value = b.value
	b.clear()
	hb := &m.table.buckets[home]
	hb.hopInfo = hb.hopInfo.clear(off)
	m.used--

	if debug {
		fmt.Printf("delete(%q): home=%d offset=%d used=%d\n", key, home, off, m.used)
	}
	m.checkInvariants()
	return value, true
}

// Resize grows the map so that its capacity is at least minCapacity. It is a
// noop if the capacity is already large enough. Resize is performed
// implicitly by Put and only needs to be called to pre-size a map. On failure
// the map is left unchanged.
func (m *Map) Resize(minCapacity int) error {
	if m.closed {
		return ErrClosed
	}
	if minCapacity <= m.table.capacity() {
		return nil
	}
	return m.resize(minCapacity)
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, iteration stops. The map can be mutated during
// iteration, though there is no guarantee that the mutations will be visible
// to the iteration. Iteration order is unspecified.
func (m *Map) All(yield func(key string, value int64) bool) {
	// Snapshot the buckets so that iteration remains valid if the map is
	// resized during iteration.
	buckets := m.table.buckets
	for i := range buckets {
		b := &buckets[i]
		if !b.occupied {
			continue
		}
		if !yield(b.key, b.value) {
			return
		}
	}
}

// Clear deletes all entries from the map, retaining its capacity.
func (m *Map) Clear() {
	for i := range m.table.buckets {
		m.table.buckets[i] = Bucket{}
	}
	m.used = 0
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map) Len() int {
	return m.used
}

// Capacity returns the number of buckets in the map.
func (m *Map) Capacity() int {
	return m.table.capacity()
}

// grow doubles the capacity of the map.
func (m *Map) grow() error {
	return m.resize(2 * m.table.capacity())
}

// resize replaces the bucket array with one of at least minCapacity buckets
// and reinserts every entry into it. If the entries do not fit in the new
// array, which happens when a neighborhood fills up during reinsertion, the
// array is released and the next power of two is tried. The current bucket
// array is released only once the new one is fully populated.
func (m *Map) resize(minCapacity int) error {
	newCapacity, err := m.targetCapacity(minCapacity)
	if err != nil {
		return err
	}

	for {
		buckets, err := m.alloc(newCapacity)
		if err != nil {
			return err
		}

		t := makeTable(buckets)
		if m.rehash(&t) {
			oldBuckets, oldCapacity := m.table.buckets, m.table.capacity()
			m.install(buckets)
			if oldBuckets != nil {
				m.allocator.FreeBuckets(oldBuckets)
			}
			m.logger.Debug("resized hopscotch map",
				zap.Int("from", oldCapacity),
				zap.Int("to", newCapacity),
				zap.Int("len", m.used))
			m.checkInvariants()
			return nil
		}

		if debug {
			fmt.Printf("resize: %d entries do not fit in capacity=%d\n", m.used, newCapacity)
		}
		m.allocator.FreeBuckets(buckets)
		newCapacity, err = m.targetCapacity(2 * newCapacity)
		if err != nil {
			return err
		}
	}
}

// rehash reinserts every entry of the map into t, reporting whether all of
// them could be placed. The map itself is not modified.
func (m *Map) rehash(t *table) bool {
	for i := range m.table.buckets {
		b := &m.table.buckets[i]
		if !b.occupied {
			continue
		}
		if !t.uncheckedPut(m.hash(b.key), b.key, b.value) {
			return false
		}
	}
	return true
}

// targetCapacity rounds n up to a valid capacity: a power of two no smaller
// than neighborhoodSize and no larger than the maximum capacity.
func (m *Map) targetCapacity(n int) (int, error) {
	if n < neighborhoodSize {
		n = neighborhoodSize
	}
	if n <= m.maxCapacity {
		if c := int(nextPowerOf2(uint32(n))); c <= m.maxCapacity {
			return c, nil
		}
	}
	m.logger.Warn("hopscotch map capacity exceeded",
		zap.Int("requested", n),
		zap.Int("max", m.maxCapacity),
		zap.Int("len", m.used))
	return 0, errors.Wrapf(ErrAllocationFailed, "capacity %d exceeds maximum %d", n, m.maxCapacity)
}

// alloc obtains n zeroed buckets from the allocator.
func (m *Map) alloc(n int) ([]Bucket, error) {
	buckets, err := m.allocator.AllocBuckets(n)
	if err != nil {
		m.logger.Warn("hopscotch bucket allocation failed",
			zap.Int("capacity", n),
			zap.Error(err))
		return nil, errors.Join(errors.Wrapf(ErrAllocationFailed, "allocating %d buckets", n), err)
	}
	if len(buckets) != n {
		panic(errors.AssertionFailedf("allocator returned %d buckets, expected %d", len(buckets), n))
	}
	for i := range buckets {
		buckets[i] = Bucket{}
	}
	return buckets, nil
}

// install makes buckets the bucket array of the map.
func (m *Map) install(buckets []Bucket) {
	m.table = makeTable(buckets)
	m.growthLimit = int(float64(len(buckets)) * m.loadFactor)
}

// checkInvariants panics if the map is inconsistent. It is a noop unless the
// invariants build tag is set.
func (m *Map) checkInvariants() {
	if invariants {
		if err := m.validate(); err != nil {
			panic(err)
		}
	}
}

// validate verifies that every entry resides within the neighborhood of its
// home bucket, that the hop information of every bucket exactly describes the
// entries whose home it is, that every entry is found by lookup, and that the
// element count is accurate.
func (m *Map) validate() error {
	t := &m.table
	expected := make([]neighborhood, len(t.buckets))
	var used int
	for i := range t.buckets {
		b := &t.buckets[i]
		if !b.occupied {
			continue
		}
		used++

		h := m.hash(b.key)
		home := h & t.mask
		off := (uint32(i) - home) & t.mask
		if off >= neighborhoodSize {
			return errors.AssertionFailedf("bucket(%d): %q is %d buckets from its home %d\n%s",
				i, b.key, off, home, m.debugString())
		}
		expected[home] = expected[home].set(off)

		if fh, foff, ok := t.find(h, b.key); !ok || fh != home || foff != off {
			return errors.AssertionFailedf("bucket(%d): %q not found [home=%d offset=%d]\n%s",
				i, b.key, home, off, m.debugString())
		}
	}

	for i := range t.buckets {
		if got := t.buckets[i].hopInfo; got != expected[i] {
			return errors.AssertionFailedf("bucket(%d): hop info %s, expected %s\n%s",
				i, got, expected[i], m.debugString())
		}
	}

	if used != m.used {
		return errors.AssertionFailedf("found %d used buckets, but used count is %d\n%s",
			used, m.used, m.debugString())
	}
	if m.used > m.growthLimit {
		return errors.AssertionFailedf("used count %d exceeds growth limit %d", m.used, m.growthLimit)
	}
	return nil
}

func (m *Map) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  growth-limit=%d\n",
		m.table.capacity(), m.used, m.growthLimit)
	for i := range m.table.buckets {
		b := &m.table.buckets[i]
		if b.occupied {
			fmt.Fprintf(&buf, "  %4d: %s %q [home=%d]\n", i, b.hopInfo, b.key, m.hash(b.key)&m.table.mask)
		} else {
			fmt.Fprintf(&buf, "  %4d: %s empty\n", i, b.hopInfo)
		}
	}
	return buf.String()
}

// table is a bucket array together with its index mask. The capacity is
// always a power of two.
type table struct {
	buckets []Bucket
	mask    uint32
}

func makeTable(buckets []Bucket) table {
	return table{
		buckets: buckets,
		mask:    capacityMask(len(buckets)),
	}
}

func (t *table) capacity() int {
	return len(t.buckets)
}

// forward returns the index k buckets after i, wrapping around the end of
// the bucket array.
func (t *table) forward(i, k uint32) uint32 {
	return (i + k) & t.mask
}

// backward returns the index k buckets before i, wrapping around the start of
// the bucket array.
func (t *table) backward(i, k uint32) uint32 {
	return (i - k) & t.mask
}

func (t *table) next(i uint32) uint32 {
	return (i + 1) & t.mask
}

// at returns the bucket at offset off from home.
func (t *table) at(home, off uint32) *Bucket {
	return &t.buckets[t.forward(home, off)]
}

// find returns the home index for hash value h and the offset from home of
// the bucket holding key, if any.
func (t *table) find(h uint32, key string) (home, off uint32, ok bool) {
	home = h & t.mask
	// Only the buckets recorded in the hop information of the home bucket
	// can hold key. Keys are compared by content; a bucket recorded in the
	// hop information always holds an entry with the same home, but not
	// necessarily key.
	for hop := t.buckets[home].hopInfo; hop != 0; {
		off = hop.first()
		if b := t.at(home, off); b.occupied && b.key == key {
			return home, off, true
		}
		hop = hop.clear(off)
	}
	return home, 0, false
}

// uncheckedPut inserts an entry known not to be in the table. It returns
// false if the entry cannot be placed within the neighborhood of its home,
// in which case the table must be grown. Entries may have been displaced
// within their neighborhoods even when false is returned, but the contents of
// the table are unchanged.
func (t *table) uncheckedPut(h uint32, key string, value int64) bool {
	home := h & t.mask
	if t.buckets[home].hopInfo.full() {
		if debug {
			fmt.Printf("put(%q): home=%d neighborhood full\n", key, home)
		}
		return false
	}

	// Probe until we find an empty bucket.
	target, dist := home, uint32(0)
	for t.buckets[target].occupied {
		if dist == t.mask {
			// Every bucket is occupied.
			return false
		}
		target = t.next(target)
		dist++
	}

	// Hop the empty bucket backwards until it is within the neighborhood.
	for dist >= neighborhoodSize {
		var ok bool
		if target, dist, ok = t.displace(target, dist); !ok {
			if debug {
				fmt.Printf("put(%q): home=%d no displacement for target=%d dist=%d\n",
					key, home, target, dist)
			}
			return false
		}
	}

	b := &t.buckets[target]
	b.key = key
	b.value = value
	b.occupied = true
	hb := &t.buckets[home]
	hb.hopInfo = hb.hopInfo.set(dist)
	if debug {
		fmt.Printf("put(inserting): home=%d index=%d offset=%d\n", home, target, dist)
	}
	return true
}

// displace moves an entry from a bucket preceding the empty bucket target
// into target, without moving the entry out of its own neighborhood. It
// returns the bucket vacated by the moved entry along with dist reduced by
// the distance the empty bucket moved, or ok=false if no entry can be moved.
//
// The candidates are the homes of the neighborhoodSize-1 buckets preceding
// target, starting with the farthest. For a candidate d buckets before
// target, the entry at the candidate's smallest occupied offset is moved if
// that offset is less than d, giving the entry the new offset d.
func (t *table) displace(target, dist uint32) (newTarget, newDist uint32, ok bool) {
	for d := uint32(neighborhoodSize - 1); d > 0; d-- {
		cand := t.backward(target, d)
		cb := &t.buckets[cand]
		off := cb.hopInfo.first()
		if off >= d {
			continue
		}

		from := t.forward(cand, off)
		src, dst := &t.buckets[from], &t.buckets[target]
		dst.key = src.key
		dst.value = src.value
		dst.occupied = true
		src.clear()
		cb.hopInfo = cb.hopInfo.clear(off).set(d)

		if debug {
			fmt.Printf("displace: home=%d %d -> %d offset=%d -> %d\n", cand, from, target, off, d)
		}
		return from, dist - (d - off), true
	}
	return target, dist, false
}

// neighborhood is the hop information of a bucket. Offset i from the bucket
// is recorded in bit neighborhoodSize-1-i.
type neighborhood uint8

const neighborhoodFull neighborhood = 1<<neighborhoodSize - 1

// neighborhoodBit returns the bit recording offset i.
func neighborhoodBit(i uint32) neighborhood {
	return 1 << (neighborhoodSize - 1 - i)
}

func (n neighborhood) has(i uint32) bool {
	return n&neighborhoodBit(i) != 0
}

func (n neighborhood) set(i uint32) neighborhood {
	return n | neighborhoodBit(i)
}

func (n neighborhood) clear(i uint32) neighborhood {
	return n &^ neighborhoodBit(i)
}

// first returns the smallest offset recorded in n. Returns neighborhoodSize
// if n is empty.
func (n neighborhood) first() uint32 {
	return uint32(bits.LeadingZeros8(uint8(n)))
}

func (n neighborhood) full() bool {
	return n == neighborhoodFull
}

// String returns the offsets in increasing order, e.g. "10100000" for
// offsets 0 and 2.
func (n neighborhood) String() string {
	var buf strings.Builder
	buf.Grow(neighborhoodSize)
	for i := uint32(0); i < neighborhoodSize; i++ {
		if n.has(i) {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

// nextPowerOf2 returns the smallest power of two >= v.
func nextPowerOf2(v uint32) uint32 {
	return uint32(1) << min(bits.Len32(v-1), 31)
}

// capacityMask returns the mask mapping a hash to an index in a table of the
// given power-of-two capacity.
func capacityMask(capacity int) uint32 {
	if capacity == 0 {
		return 0
	}
	return uint32(1)<<(bits.Len32(uint32(capacity))-1) - 1
}
