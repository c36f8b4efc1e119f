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

package hopscotch

import "go.uber.org/zap"

// option provide an interface to do work on Map while it is being created.
type option interface {
	apply(m *Map)
}

type hashOption struct {
	hash func(key string) uint32
}

func (op hashOption) apply(m *Map) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map. The
// default is FNV1a.
func WithHash(hash func(key string) uint32) option {
	return hashOption{hash}
}

// Allocator specifies an interface for allocating and releasing the bucket
// arrays used by a Map. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that buckets be
// freed then Map.Close must be called in order to ensure FreeBuckets is
// called for the last bucket array.
type Allocator interface {
	// AllocBuckets should return a slice equivalent to make([]Bucket, n), or
	// an error if the memory cannot be obtained. A failed allocation leaves
	// the Map unchanged and is reported as ErrAllocationFailed.
	AllocBuckets(n int) ([]Bucket, error)

	// FreeBuckets can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocBuckets.
	FreeBuckets(b []Bucket)
}

type defaultAllocator struct{}

func (defaultAllocator) AllocBuckets(n int) ([]Bucket, error) {
	return make([]Bucket, n), nil
}

func (defaultAllocator) FreeBuckets(b []Bucket) {
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(m *Map) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map.
func WithAllocator(allocator Allocator) option {
	return allocatorOption{allocator}
}

type loadFactorOption float64

func (op loadFactorOption) apply(m *Map) {
	m.loadFactor = float64(op)
}

// WithLoadFactor is an option to specify the fraction of the capacity that
// may be occupied before a Map grows. It must be in [0.125, 1], so that a
// table of neighborhoodSize buckets can hold at least one entry. The default
// is 0.98.
func WithLoadFactor(loadFactor float64) option {
	return loadFactorOption(loadFactor)
}

type maxCapacityOption int

func (op maxCapacityOption) apply(m *Map) {
	m.maxCapacity = int(op)
}

// WithMaxCapacity is an option to bound the number of buckets of a Map.
// Growing beyond the bound fails with ErrAllocationFailed. Hash functions
// with poor distribution can otherwise force a Map to grow until memory is
// exhausted, since at most 8 keys may share a home bucket.
func WithMaxCapacity(maxCapacity int) option {
	return maxCapacityOption(maxCapacity)
}

type loggerOption struct {
	logger *zap.Logger
}

func (op loggerOption) apply(m *Map) {
	if op.logger != nil {
		m.logger = op.logger
	}
}

// WithLogger is an option to specify the logger a Map reports resizes and
// allocation failures to. By default nothing is logged.
func WithLogger(logger *zap.Logger) option {
	return loggerOption{logger}
}
