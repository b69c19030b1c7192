package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MigrationMarker records a request to move an instance to another host.
// Writing it is all tars does; an operator or deploy script acts on it.
type MigrationMarker struct {
	ID          string    `json:"id"`
	Slot        int       `json:"slot"`
	TargetHost  string    `json:"target_host"`
	TargetPath  string    `json:"target_path"`
	SourceHost  string    `json:"source_host"`
	RequestedAt time.Time `json:"requested_at"`
}

func (r *Registry) migrationPath(slot int) string {
	return filepath.Join(r.dir, "migrate-"+strconv.Itoa(slot)+".json")
}

// RequestMigration writes (or replaces) the migration marker for slot.
func (r *Registry) RequestMigration(slot int, targetHost, targetPath string) (MigrationMarker, error) {
	if targetHost == "" || targetPath == "" {
		return MigrationMarker{}, errors.New("registry: target host and path are required")
	}
	m := MigrationMarker{
		ID:          uuid.NewString(),
		Slot:        slot,
		TargetHost:  targetHost,
		TargetPath:  targetPath,
		SourceHost:  r.host,
		RequestedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return MigrationMarker{}, fmt.Errorf("registry: encoding marker: %w", err)
	}
	if err := writeAtomic(r.dir, r.migrationPath(slot), data); err != nil {
		return MigrationMarker{}, err
	}
	r.logger.Info("migration requested", "slot", slot, "target_host", targetHost, "target_path", targetPath)
	return m, nil
}

// PendingMigration returns the marker for slot, if one exists and parses.
func (r *Registry) PendingMigration(slot int) (MigrationMarker, bool) {
	var m MigrationMarker
	data, err := os.ReadFile(r.migrationPath(slot))
	if err != nil {
		return m, false
	}
	if err := json.Unmarshal(data, &m); err != nil {
		r.logger.Warn("unreadable migration marker", "slot", slot, "error", err)
		return m, false
	}
	return m, true
}

// ClearMigration removes the marker for slot.
func (r *Registry) ClearMigration(slot int) {
	r.remove(r.migrationPath(slot))
}

// SlotMigrator binds a registry to one slot for the relay's
// migrate_instance tool.
type SlotMigrator struct {
	Registry *Registry
	Slot     int
}

// RequestMigration implements relay.Migrator.
func (m SlotMigrator) RequestMigration(targetHost, targetPath string) (string, error) {
	marker, err := m.Registry.RequestMigration(m.Slot, targetHost, targetPath)
	if err != nil {
		return "", err
	}
	return marker.ID, nil
}
