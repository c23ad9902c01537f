// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultExchangeLifetime is EXCHANGE_LIFETIME from RFC 7252 with default
	// transmission parameters.
	DefaultExchangeLifetime = 247 * time.Second

	// DefaultDedupSize bounds the number of remembered exchanges.
	DefaultDedupSize = 16384
)

// Deduplicator remembers recent exchanges by peer and message id so that
// retransmitted requests are not processed twice.
type Deduplicator struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, []byte]
}

// NewDeduplicator creates a Deduplicator.
func NewDeduplicator(size int, lifetime time.Duration) *Deduplicator {
	if size <= 0 {
		size = DefaultDedupSize
	}
	if lifetime <= 0 {
		lifetime = DefaultExchangeLifetime
	}
	return &Deduplicator{
		cache: expirable.NewLRU[string, []byte](size, nil, lifetime),
	}
}

// Begin registers the exchange for peer/mid. first is false for duplicates;
// cached then holds the response already sent, or nil while the original
// request is still being processed.
func (d *Deduplicator) Begin(peer string, mid int32) (cached []byte, first bool) {
	key := exchangeKey(peer, mid)

	d.mu.Lock()
	defer d.mu.Unlock()

	if resp, ok := d.cache.Get(key); ok {
		return resp, false
	}
	d.cache.Add(key, nil)
	return nil, true
}

// Finish stores the response sent for peer/mid.
func (d *Deduplicator) Finish(peer string, mid int32, resp []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Add(exchangeKey(peer, mid), resp)
}

// Forget drops peer/mid so the next copy is processed as a new exchange.
func (d *Deduplicator) Forget(peer string, mid int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(exchangeKey(peer, mid))
}

// Len returns the number of remembered exchanges.
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}

func exchangeKey(peer string, mid int32) string {
	return fmt.Sprintf("%s/%d", peer, mid)
}
