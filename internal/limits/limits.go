/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package limits provides the backpressure primitives the network
// frontends share: a hard cap on in-flight work and a keyed per-source
// rate limiter. On exhaustion the caller drops the request; nothing here
// ever queues unboundedly.
package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnCap is a hard limit on concurrently handled connections or packets.
// Zero MaxActive means unlimited.
type ConnCap struct {
	MaxActive int

	mu     sync.Mutex
	active int
}

// Take reserves a slot, returning false when the cap is exhausted. The
// caller must Release every successful Take.
func (c *ConnCap) Take() bool {
	if c.MaxActive == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active >= c.MaxActive {
		return false
	}
	c.active++
	return true
}

func (c *ConnCap) Release() {
	if c.MaxActive == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
}

// RateSet is a key-indexed token-bucket rate limiter: each unique key
// (typically a source CIDR bucket) gets its own rate.Limiter. When the
// set grows past MaxKeys, stale limiters are reaped; if every limiter is
// in active use the incoming request is dropped rather than queued.
type RateSet struct {
	// Limit and Burst configure each per-key limiter.
	Limit rate.Limit
	Burst int

	// ReapAge is how long a key may go unused before its limiter is
	// eligible for reaping once the set is full.
	ReapAge time.Duration
	MaxKeys int

	mu sync.Mutex
	m  map[string]*rateEntry
}

type rateEntry struct {
	lim     *rate.Limiter
	lastUse time.Time
}

func NewRateSet(limit rate.Limit, burst int, reapAge time.Duration, maxKeys int) *RateSet {
	return &RateSet{
		Limit:   limit,
		Burst:   burst,
		ReapAge: reapAge,
		MaxKeys: maxKeys,
		m:       map[string]*rateEntry{},
	}
}

// Allow reports whether one event for key fits in its rate budget right
// now. It never blocks.
func (r *RateSet) Allow(key string) bool {
	r.mu.Lock()

	if len(r.m) > r.MaxKeys {
		now := time.Now()
		for k, e := range r.m {
			if now.Sub(e.lastUse) > r.ReapAge {
				delete(r.m, k)
			}
		}
		if len(r.m) > r.MaxKeys {
			// Every limiter is hot. Dropping the request is the only
			// bounded-memory option left.
			r.mu.Unlock()
			return false
		}
	}

	e, ok := r.m[key]
	if !ok {
		e = &rateEntry{lim: rate.NewLimiter(r.Limit, r.Burst)}
		r.m[key] = e
	}
	e.lastUse = time.Now()
	lim := e.lim
	r.mu.Unlock()

	return lim.Allow()
}
