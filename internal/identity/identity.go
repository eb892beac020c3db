// Package identity manages the overlay node identity.
//
// A node is known on the overlay by a random 128-bit id. The id is stored
// under the persistence location together with the TLS certificate that
// links present, so restarting a node keeps both.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// IDSize is the size of a NodeID in bytes (128 bits)
	IDSize = 16

	idFileName = "node_id"
)

var (
	// ErrInvalidID is returned when a string is not a hex encoded NodeID.
	ErrInvalidID = errors.New("invalid node ID")

	// ErrNotFound is returned by Load when no id has been stored yet.
	ErrNotFound = errors.New("node ID not found")

	// ZeroID represents an uninitialized node ID
	ZeroID = NodeID{}
)

// NodeID identifies a node on the overlay.
type NodeID [IDSize]byte

// NewNodeID generates a new random NodeID using crypto/rand.
func NewNodeID() (NodeID, error) {
	var id NodeID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("failed to generate node ID: %w", err)
	}
	return id, nil
}

// ParseNodeID parses a NodeID from a hex string. Surrounding whitespace and
// upper case digits are accepted.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidID, len(s), IDSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}

	var id NodeID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation of the NodeID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first 8 hex chars, for logs.
func (id NodeID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// ShortID shortens a hex node id for display. Strings that are not node ids
// are returned unchanged.
func ShortID(s string) string {
	id, err := ParseNodeID(s)
	if err != nil {
		return s
	}
	return id.ShortString()
}

// IsZero returns true if the NodeID is uninitialized (all zeros).
func (id NodeID) IsZero() bool {
	return id == ZeroID
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Store persists the NodeID in dir.
func (id NodeID) Store(dir string) error {
	if id.IsZero() {
		return errors.New("cannot store zero node ID")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	filePath := filepath.Join(dir, idFileName)

	// Write to a temp file and rename so a crash never leaves a torn id.
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(id.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write node ID: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist node ID: %w", err)
	}

	return nil
}

// Load reads the NodeID stored in dir.
func Load(dir string) (NodeID, error) {
	filePath := filepath.Join(dir, idFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ZeroID, fmt.Errorf("%w at %s", ErrNotFound, filePath)
		}
		return ZeroID, fmt.Errorf("failed to read node ID: %w", err)
	}

	return ParseNodeID(string(data))
}

// LoadOrCreate loads the NodeID stored in dir, or creates and stores a new
// one. The bool reports whether a new id was created.
func LoadOrCreate(dir string) (NodeID, bool, error) {
	id, err := Load(dir)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ZeroID, false, err
	}

	id, err = NewNodeID()
	if err != nil {
		return ZeroID, false, err
	}
	if err := id.Store(dir); err != nil {
		return ZeroID, false, err
	}

	return id, true, nil
}

// Exists reports whether a NodeID is stored in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, idFileName))
	return err == nil
}
