// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tuning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/modelpilot/modelpilot/internal/statestore"
)

const snapshotKey = "tuning:parameters"

// Store holds the live parameter snapshot. Reads are lock-free; updates
// replace the whole snapshot atomically and write through to the shared
// state store so restarts and peer instances pick up tuned values.
type Store struct {
	backend statestore.Store
	current atomic.Value // Parameters

	mu        sync.Mutex
	listeners []func(Parameters)
}

// NewStore loads the persisted snapshot, falling back to defaults when none
// exists or the stored payload is unusable.
func NewStore(backend statestore.Store) *Store {
	s := &Store{backend: backend}

	params := DefaultParameters()
	if backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		raw, err := backend.Get(ctx, snapshotKey)
		switch {
		case err == nil:
			var loaded Parameters
			if jsonErr := json.Unmarshal([]byte(raw), &loaded); jsonErr != nil {
				log.Warnf("Stored tuning parameters unreadable, using defaults: %v", jsonErr)
			} else if valErr := loaded.Validate(); valErr != nil {
				log.Warnf("Stored tuning parameters invalid, using defaults: %v", valErr)
			} else {
				params = loaded
			}
		case errors.Is(err, statestore.ErrNotFound):
			// First run.
		default:
			log.Warnf("Failed to load tuning parameters, using defaults: %v", err)
		}
	}

	s.current.Store(params)
	return s
}

// Current returns the live snapshot.
func (s *Store) Current() Parameters {
	return s.current.Load().(Parameters)
}

// Update validates and installs a new snapshot, persists it, and notifies
// listeners. Persistence failures keep the in-memory update: routing
// correctness beats durability here.
func (s *Store) Update(ctx context.Context, params Parameters) error {
	if err := params.Validate(); err != nil {
		return err
	}

	s.current.Store(params)

	if s.backend != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("tuning: marshal snapshot: %w", err)
		}
		if err := s.backend.Set(ctx, snapshotKey, string(raw), 0); err != nil {
			log.Warnf("Failed to persist tuning parameters: %v", err)
		}
	}

	s.mu.Lock()
	listeners := make([]func(Parameters), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(params)
	}
	return nil
}

// OnChange registers a listener invoked after every successful update.
func (s *Store) OnChange(fn func(Parameters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
