package mesh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const rosterFileName = "friends.yaml"

// friendRecord is one paired node as persisted on disk.
type friendRecord struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Fingerprint string    `yaml:"fingerprint"`
	Addresses   []string  `yaml:"addresses,omitempty"`
	AddedAt     time.Time `yaml:"added_at"`
}

type selfRecord struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// rosterFile is the content of friends.yaml.
type rosterFile struct {
	Self    selfRecord     `yaml:"self"`
	Friends []friendRecord `yaml:"friends"`
}

// loadRoster reads friends.yaml from dir. A missing file is an empty roster.
func loadRoster(dir string) (rosterFile, error) {
	var rf rosterFile

	data, err := os.ReadFile(filepath.Join(dir, rosterFileName))
	if errors.Is(err, os.ErrNotExist) {
		return rf, nil
	}
	if err != nil {
		return rf, fmt.Errorf("read roster: %w", err)
	}

	if err := yaml.Unmarshal(data, &rf); err != nil {
		return rf, fmt.Errorf("parse roster: %w", err)
	}

	seen := make(map[string]bool, len(rf.Friends))
	friends := rf.Friends[:0]
	for _, f := range rf.Friends {
		if f.ID == "" || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		friends = append(friends, f)
	}
	rf.Friends = friends
	return rf, nil
}

// saveRoster writes friends.yaml atomically.
func saveRoster(dir string, rf rosterFile) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create roster directory: %w", err)
	}

	data, err := yaml.Marshal(rf)
	if err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}

	path := filepath.Join(dir, rosterFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace roster: %w", err)
	}
	return nil
}
