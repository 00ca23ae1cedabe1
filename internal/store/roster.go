package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ovfleet/internal/model"
)

type rosterFile struct {
	Users []rosterRecord `yaml:"users"`
}

type rosterRecord struct {
	Name      string    `yaml:"name"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
	Active    *bool     `yaml:"active,omitempty"`
	Owner     string    `yaml:"owner,omitempty"`
}

// FileRoster reads the user roster from a YAML file on every call, so edits by
// the roster owner are picked up on the next sync without a restart.
type FileRoster struct {
	Path string
}

func (r FileRoster) ActiveUsers(context.Context) ([]model.RosterEntry, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", r.Path, err)
	}

	entries := make([]model.RosterEntry, 0, len(f.Users))
	for _, u := range f.Users {
		if u.Name == "" {
			continue
		}
		active := true
		if u.Active != nil {
			active = *u.Active
		}
		entries = append(entries, model.RosterEntry{
			Name:      u.Name,
			ExpiresAt: u.ExpiresAt,
			Active:    active,
			Owner:     u.Owner,
		})
	}
	return activeOnly(entries), nil
}
