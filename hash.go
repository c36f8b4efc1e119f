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

import "github.com/cespare/xxhash/v2"

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// FNV1a returns the 32-bit FNV-1a hash of key. It is the default hash
// function of a Map.
//
// This is equivalent to hashing key with hash/fnv.New32a, without the
// allocation and interface dispatch.
func FNV1a(key string) uint32 {
	h := uint32(fnvOffset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return h
}

// XXHash32 returns the 64-bit xxHash of key folded to 32 bits. It mixes
// better than FNV1a on long keys with common prefixes.
func XXHash32(key string) uint32 {
	h := xxhash.Sum64String(key)
	return uint32(h ^ h>>32)
}
