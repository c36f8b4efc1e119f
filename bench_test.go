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

import (
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkMapIter(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapIter))
	b.Run("impl=hopscotchMap", benchSizes(benchmarkHopscotchMapIter))
}

func BenchmarkMapGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapGetHit))
	b.Run("impl=hopscotchMap", func(b *testing.B) {
		b.Run("hash=fnv1a", benchSizes(benchmarkHopscotchMapGetHit(FNV1a)))
		b.Run("hash=xxhash", benchSizes(benchmarkHopscotchMapGetHit(XXHash32)))
	})
}

func BenchmarkMapGetMiss(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapGetMiss))
	b.Run("impl=hopscotchMap", func(b *testing.B) {
		b.Run("hash=fnv1a", benchSizes(benchmarkHopscotchMapGetMiss(FNV1a)))
		b.Run("hash=xxhash", benchSizes(benchmarkHopscotchMapGetMiss(XXHash32)))
	})
}

func BenchmarkMapPutGrow(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutGrow))
	b.Run("impl=hopscotchMap", benchSizes(benchmarkHopscotchMapPutGrow))
}

func BenchmarkMapPutPreAllocate(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutPreAllocate))
	b.Run("impl=hopscotchMap", benchSizes(benchmarkHopscotchMapPutPreAllocate))
}

func BenchmarkMapPutReuse(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutReuse))
	b.Run("impl=hopscotchMap", benchSizes(benchmarkHopscotchMapPutReuse))
}

func BenchmarkMapPutDelete(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutDelete))
	b.Run("impl=hopscotchMap", benchSizes(benchmarkHopscotchMapPutDelete))
}

func BenchmarkHash(b *testing.B) {
	for _, n := range []int{4, 16, 64, 256} {
		key := string(make([]byte, n))
		b.Run(fmt.Sprintf("hash=fnv1a/len=%d", n), func(b *testing.B) {
			b.SetBytes(int64(n))
			var h uint32
			for i := 0; i < b.N; i++ {
				h += FNV1a(key)
			}
			fmt.Fprint(io.Discard, h)
		})
		b.Run(fmt.Sprintf("hash=xxhash/len=%d", n), func(b *testing.B) {
			b.SetBytes(int64(n))
			var h uint32
			for i := 0; i < b.N; i++ {
				h += XXHash32(key)
			}
			fmt.Fprint(io.Discard, h)
		})
	}
}

func benchSizes(f func(b *testing.B, n int)) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n) })
		}
	}
}

func genKeys(start, end int) []string {
	keys := make([]string, end-start)
	for i := range keys {
		keys[i] = strconv.Itoa(start + i)
	}
	return keys
}

func mustNew(b *testing.B, initialCapacity int, options ...option) *Map {
	m, err := New(initialCapacity, options...)
	if err != nil {
		b.Fatal(err)
	}
	return m
}

func mustPut(b *testing.B, m *Map, key string, value int64) {
	if err := m.Put(key, value); err != nil {
		b.Fatal(err)
	}
}

func benchmarkRuntimeMapIter(b *testing.B, n int) {
	cs := perfbench.Open(b)
	m := make(map[string]int64, n)
	for i, k := range genKeys(0, n) {
		m[k] = int64(i)
	}
	b.ResetTimer()
	cs.Reset()
	var tmp int64
	for i := 0; i < b.N; i++ {
		for k, v := range m {
			tmp += int64(len(k)) + v
		}
	}
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkHopscotchMapIter(b *testing.B, n int) {
	cs := perfbench.Open(b)
	m := mustNew(b, n)
	for i, k := range genKeys(0, n) {
		mustPut(b, m, k, int64(i))
	}
	b.ResetTimer()
	cs.Reset()
	var tmp int64
	for i := 0; i < b.N; i++ {
		m.All(func(k string, v int64) bool {
			tmp += int64(len(k)) + v
			return true
		})
	}
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkRuntimeMapGetMiss(b *testing.B, n int) {
	cs := perfbench.Open(b)
	m := make(map[string]int64)
	miss := genKeys(-n, 0)
	for i, k := range genKeys(0, n) {
		m[k] = int64(i)
	}
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		_ = m[miss[i%len(miss)]]
	}
}

func benchmarkHopscotchMapGetMiss(hash func(string) uint32) func(b *testing.B, n int) {
	return func(b *testing.B, n int) {
		cs := perfbench.Open(b)
		m := mustNew(b, 0, WithHash(hash))
		miss := genKeys(-n, 0)
		for i, k := range genKeys(0, n) {
			mustPut(b, m, k, int64(i))
		}
		b.ResetTimer()
		cs.Reset()
		var ok bool
		for i := 0; i < b.N; i++ {
			_, ok = m.Get(miss[i%len(miss)])
		}
		b.StopTimer()
		fmt.Fprint(io.Discard, ok)
	}
}

func benchmarkRuntimeMapGetHit(b *testing.B, n int) {
	cs := perfbench.Open(b)
	m := make(map[string]int64, n)
	for i, k := range genKeys(0, n) {
		m[k] = int64(i)
	}

	// Go's builtin map has an optimization to avoid string comparisons if
	// there is pointer equality. Defeat this optimization to get a better
	// apples-to-apples comparison.
	keys := genKeys(0, n)

	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%n]]
	}
}

func benchmarkHopscotchMapGetHit(hash func(string) uint32) func(b *testing.B, n int) {
	return func(b *testing.B, n int) {
		cs := perfbench.Open(b)
		m := mustNew(b, n, WithHash(hash))
		for i, k := range genKeys(0, n) {
			mustPut(b, m, k, int64(i))
		}
		keys := genKeys(0, n)
		b.ResetTimer()
		cs.Reset()
		var ok bool
		for i := 0; i < b.N; i++ {
			_, ok = m.Get(keys[i%n])
		}
		b.StopTimer()
		fmt.Fprint(io.Discard, ok)
	}
}

func benchmarkRuntimeMapPutGrow(b *testing.B, n int) {
	cs := perfbench.Open(b)
	keys := genKeys(0, n)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		m := make(map[string]int64)
		for j, k := range keys {
			m[k] = int64(j)
		}
	}
}

func benchmarkHopscotchMapPutGrow(b *testing.B, n int) {
	cs := perfbench.Open(b)
	keys := genKeys(0, n)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		m := mustNew(b, neighborhoodSize)
		for j, k := range keys {
			mustPut(b, m, k, int64(j))
		}
	}
}

func benchmarkRuntimeMapPutPreAllocate(b *testing.B, n int) {
	cs := perfbench.Open(b)
	keys := genKeys(0, n)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		m := make(map[string]int64, n)
		for j, k := range keys {
			m[k] = int64(j)
		}
	}
}

func benchmarkHopscotchMapPutPreAllocate(b *testing.B, n int) {
	cs := perfbench.Open(b)
	keys := genKeys(0, n)
	// Pre-size for the load factor so that no growth happens.
	capacity := int(float64(n)/defaultLoadFactor) + 1
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		m := mustNew(b, capacity)
		for j, k := range keys {
			mustPut(b, m, k, int64(j))
		}
	}
}

func benchmarkRuntimeMapPutReuse(b *testing.B, n int) {
	cs := perfbench.Open(b)
	m := make(map[string]int64, n)
	keys := genKeys(0, n)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		for j, k := range keys {
			m[k] = int64(j)
		}
		for k := range m {
			delete(m, k)
		}
	}
}

func benchmarkHopscotchMapPutReuse(b *testing.B, n int) {
	cs := perfbench.Open(b)
	m := mustNew(b, n)
	keys := genKeys(0, n)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		for j, k := range keys {
			mustPut(b, m, k, int64(j))
		}
		m.Clear()
	}
}

func benchmarkRuntimeMapPutDelete(b *testing.B, n int) {
	cs := perfbench.Open(b)
	m := make(map[string]int64, n)
	keys := genKeys(0, n)
	for j, k := range keys {
		m[k] = int64(j)
	}
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		delete(m, keys[j])
		m[keys[j]] = int64(j)
	}
}

func benchmarkHopscotchMapPutDelete(b *testing.B, n int) {
	cs := perfbench.Open(b)
	m := mustNew(b, n)
	keys := genKeys(0, n)
	for j, k := range keys {
		mustPut(b, m, k, int64(j))
	}
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		m.Delete(keys[j])
		mustPut(b, m, keys[j], int64(j))
	}
}
