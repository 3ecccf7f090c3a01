// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package breaker

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/modelpilot/modelpilot/internal/statestore"
)

// storedState is the JSON shape mirrored into the shared state store so
// other instances and operators can observe circuit health.
type storedState struct {
	Service   string    `json:"service"`
	State     string    `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
}

// MirrorToStore returns an OnStateChange hook that writes every transition
// under "breaker:<service>". Store errors are logged and ignored; the
// breaker itself never depends on the store.
func MirrorToStore(store statestore.Store) func(name string, from, to State) {
	return func(name string, _, to State) {
		payload, err := json.Marshal(storedState{
			Service:   name,
			State:     to.String(),
			ChangedAt: time.Now(),
		})
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Set(ctx, "breaker:"+name, string(payload), 0); err != nil {
			log.Warnf("Failed to mirror breaker state for %s: %v", name, err)
		}
	}
}
