// Package id provides centralized ID generation for the backend.
//
// IDs are ULIDs with type-specific prefixes (ws_*, client_*, evt_*),
// which keeps them lexicographically sortable by creation time and
// readable in logs. Slot ids are the exception: they are caller-chosen
// string keys scoped to a workspace (one per UI pane), so they carry
// no prefix and are not generated here.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// WorkspaceID identifies a live workspace
type WorkspaceID string

// ClientID identifies a sync client connection
type ClientID string

// EventID identifies a routed event
type EventID string

const (
	WorkspacePrefix = "ws"
	ClientPrefix    = "client"
	EventPrefix     = "evt"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with custom entropy.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewWorkspaceID generates a new workspace ID
func NewWorkspaceID() WorkspaceID {
	return WorkspaceID(Default().GenerateWithPrefix(WorkspacePrefix))
}

// NewClientID generates a new client ID
func NewClientID() ClientID {
	return ClientID(Default().GenerateWithPrefix(ClientPrefix))
}

// NewEventID generates a new event ID
func NewEventID() EventID {
	return EventID(Default().GenerateWithPrefix(EventPrefix))
}

func (id WorkspaceID) String() string { return string(id) }
func (id ClientID) String() string    { return string(id) }
func (id EventID) String() string     { return string(id) }

// Timestamp extracts the creation time embedded in a prefixed ID.
func Timestamp(id string) (time.Time, error) {
	raw := id
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '_' {
			raw = id[i+1:]
			break
		}
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
