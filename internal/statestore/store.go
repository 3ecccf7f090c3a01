// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package statestore provides the shared key-value store used for circuit
// breaker state mirroring, tuning parameter snapshots, and cross-instance
// counters. A Redis-backed implementation serves multi-node deployments; the
// in-memory implementation covers single-node mode and tests.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("statestore: key not found")

// Store is the minimal key-value surface the routing engine needs.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Close() error
}
