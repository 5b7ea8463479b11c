// Copyright (C) 2024 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package ramcache

import "fmt"

// New builds the Policy named by algorithm (cache.ram_cache.algorithm,
// spec.md §6: "lru" or "clfus"; "" defaults to "lru") with the given
// byte budget, so a Stripe can select its RAM cache strategy from
// configuration without importing LRU/CLFUS directly.
func New(algorithm string, budget int64) (Policy, error) {
	switch algorithm {
	case "", "lru":
		return NewLRU(budget), nil
	case "clfus":
		return NewCLFUS(budget), nil
	default:
		return nil, fmt.Errorf("ramcache: unknown algorithm %q", algorithm)
	}
}
