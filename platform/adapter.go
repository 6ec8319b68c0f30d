// Package platform defines the capability interface for chat platform
// adapters. The core never branches on platform identity: it resolves an
// adapter by name and speaks deliver/edit only.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MessageRef locates one previously delivered message for later editing.
type MessageRef struct {
	Platform string `json:"platform"`
	UserRef  string `json:"user_ref"`
	ID       string `json:"id"`
}

// Adapter is implemented once per chat platform (Slack, Telegram, web).
type Adapter interface {
	// Name returns the platform identifier.
	Name() string

	// Deliver sends a new message to the user and returns its reference.
	Deliver(ctx context.Context, userRef string, payload json.RawMessage) (MessageRef, error)

	// Edit replaces the content of a previously delivered message.
	Edit(ctx context.Context, ref MessageRef, payload json.RawMessage) error
}

// adapterRegistry holds registered adapters.
var (
	adapterRegistry = make(map[string]Adapter)
	adapterMu       sync.RWMutex
)

// Register adds an adapter to the registry.
func Register(a Adapter) {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	adapterRegistry[a.Name()] = a
}

// Get retrieves an adapter by platform name.
func Get(name string) (Adapter, error) {
	adapterMu.RLock()
	defer adapterMu.RUnlock()

	a, ok := adapterRegistry[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", name)
	}
	return a, nil
}

// List returns all registered platform names.
func List() []string {
	adapterMu.RLock()
	defer adapterMu.RUnlock()

	names := make([]string, 0, len(adapterRegistry))
	for name := range adapterRegistry {
		names = append(names, name)
	}
	return names
}
