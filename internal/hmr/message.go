// Package hmr fans build lifecycle notifications out to connected
// hot-module-reload clients, per platform.
package hmr

import (
	"encoding/json"

	"git.home.luguber.info/inful/packd/internal/bundle"
)

// Action is the kind of an HMR message.
type Action string

const (
	ActionBuilding Action = "building"
	ActionBuilt    Action = "built"
	ActionSync     Action = "sync"
)

// Message is the HMR wire message. Body is null for building and for a
// sync before the platform's first successful build.
type Message struct {
	Action Action        `json:"action"`
	Body   *bundle.Stats `json:"body"`
}

func buildingMessage() Message {
	return Message{Action: ActionBuilding}
}

func builtMessage(stats *bundle.Stats) Message {
	return Message{Action: ActionBuilt, Body: normalized(stats)}
}

func syncMessage(stats *bundle.Stats) Message {
	return Message{Action: ActionSync, Body: normalized(stats)}
}

func normalized(stats *bundle.Stats) *bundle.Stats {
	if stats == nil {
		return nil
	}
	n := stats.Normalized()
	return &n
}

// Encode returns the exact bytes sent to clients.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
