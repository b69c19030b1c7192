// Package registry assigns instance slots to supervisors. Each live slot is
// one JSON record in a shared directory; a record exists only while the
// supervisor that owns it is alive. Records left behind by crashed
// supervisors are purged on the next scan.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	recordPrefix = "slot-"
	recordSuffix = ".json"
	lockName     = ".registry.lock"
)

// ChildPIDs holds the pids of the processes a supervisor runs.
type ChildPIDs struct {
	Primary   int `json:"primary"`
	Overwatch int `json:"overwatch"`
}

// Slot is the persisted record of one live instance.
type Slot struct {
	Number    int       `json:"slot"`
	OwnerPID  int       `json:"owner_pid"`
	ChildPIDs ChildPIDs `json:"child_pids"`
	CreatedAt time.Time `json:"created_at"`
	Host      string    `json:"host"`
}

// Registry manages the slot records directory.
type Registry struct {
	dir    string
	host   string
	pid    int
	alive  func(pid int) bool
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLiveness replaces the pid liveness check.
func WithLiveness(alive func(pid int) bool) Option {
	return func(r *Registry) { r.alive = alive }
}

// WithPID sets the owner pid written into acquired records.
func WithPID(pid int) Option {
	return func(r *Registry) { r.pid = pid }
}

// WithHost sets the host identity written into acquired records.
func WithHost(host string) Option {
	return func(r *Registry) { r.host = host }
}

// New creates a registry rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: creating %s: %w", dir, err)
	}
	host, _ := os.Hostname()
	r := &Registry{
		dir:    dir,
		host:   host,
		pid:    os.Getpid(),
		alive:  ProcessAlive,
		logger: logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dir returns the records directory.
func (r *Registry) Dir() string { return r.dir }

// Acquire purges orphaned records and claims the lowest free slot number.
// The scan and the write run under an advisory lock on the directory so
// concurrent supervisors get distinct slots.
func (r *Registry) Acquire() (int, error) {
	lock := flock.New(filepath.Join(r.dir, lockName))
	if err := lock.Lock(); err != nil {
		return 0, fmt.Errorf("registry: locking: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	live := r.scan(true)
	used := make(map[int]bool, len(live))
	for _, s := range live {
		used[s.Number] = true
	}
	n := 1
	for used[n] {
		n++
	}

	slot := Slot{
		Number:    n,
		OwnerPID:  r.pid,
		CreatedAt: time.Now().UTC(),
		Host:      r.host,
	}
	if err := r.write(slot); err != nil {
		return 0, err
	}
	// A crashed previous owner never released its marker.
	r.ClearMigration(n)
	r.logger.Info("slot acquired", "slot", n, "pid", r.pid, "live", len(live))
	return n, nil
}

// Release deletes the slot's record and its migration marker. Missing
// records are not an error; other failures are logged.
func (r *Registry) Release(n int) {
	r.ClearMigration(n)
	err := os.Remove(r.path(n))
	switch {
	case err == nil:
		r.logger.Info("slot released", "slot", n)
	case errors.Is(err, os.ErrNotExist):
	default:
		r.logger.Warn("releasing slot", "slot", n, "error", err)
	}
}

// Update rewrites the child pids of a slot record.
func (r *Registry) Update(n int, pids ChildPIDs) error {
	slot, err := r.read(r.path(n))
	if err != nil {
		return fmt.Errorf("registry: reading slot %d: %w", n, err)
	}
	slot.ChildPIDs = pids
	return r.write(slot)
}

// Get returns the record for slot n.
func (r *Registry) Get(n int) (Slot, error) {
	return r.read(r.path(n))
}

// List returns the live slots ordered by number. It does not purge
// anything; dead or unreadable records are skipped.
func (r *Registry) List() []Slot {
	return r.scan(false)
}

// scan reads every slot record. With purge set, records that fail to parse
// or whose owner is dead are deleted.
func (r *Registry) scan(purge bool) []Slot {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Warn("scanning registry", "error", err)
		return nil
	}

	var live []Slot
	for _, e := range entries {
		if e.IsDir() || !isRecordName(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		slot, err := r.read(path)
		if err != nil {
			if purge {
				r.logger.Warn("purging corrupt slot record", "file", e.Name(), "error", err)
				r.remove(path)
			}
			continue
		}
		if !r.alive(slot.OwnerPID) {
			if purge {
				r.logger.Info("purging orphaned slot", "slot", slot.Number, "pid", slot.OwnerPID)
				r.remove(path)
			}
			continue
		}
		live = append(live, slot)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Number < live[j].Number })
	return live
}

func (r *Registry) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("removing slot record", "file", filepath.Base(path), "error", err)
	}
}

func (r *Registry) read(path string) (Slot, error) {
	var slot Slot
	data, err := os.ReadFile(path)
	if err != nil {
		return slot, err
	}
	if err := json.Unmarshal(data, &slot); err != nil {
		return slot, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	if want, ok := slotNumber(filepath.Base(path)); !ok || slot.Number != want {
		return slot, fmt.Errorf("%s: slot number %d does not match file name", filepath.Base(path), slot.Number)
	}
	return slot, nil
}

// write replaces the record atomically: temp file in the same directory,
// then rename over the target.
func (r *Registry) write(slot Slot) error {
	data, err := json.MarshalIndent(slot, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encoding slot %d: %w", slot.Number, err)
	}
	return writeAtomic(r.dir, r.path(slot.Number), data)
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("registry: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("registry: replacing %s: %w", filepath.Base(target), err)
	}
	return nil
}

func (r *Registry) path(n int) string {
	return filepath.Join(r.dir, recordPrefix+strconv.Itoa(n)+recordSuffix)
}

func isRecordName(name string) bool {
	_, ok := slotNumber(name)
	return ok
}

func slotNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, recordPrefix) || !strings.HasSuffix(name, recordSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, recordPrefix), recordSuffix)
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || strconv.Itoa(n) != digits {
		return 0, false
	}
	return n, true
}
