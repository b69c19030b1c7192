package registry

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func writeRecord(t *testing.T, dir string, s Slot) {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	name := filepath.Join(dir, "slot-"+strconv.Itoa(s.Number)+".json")
	if err := os.WriteFile(name, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func liveness(alive map[int]bool) Option {
	return WithLiveness(func(pid int) bool { return alive[pid] })
}

func TestAcquire_SequentialOnEmptyStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	alive := map[int]bool{100: true, 200: true}

	a, err := New(dir, nil, WithPID(100), liveness(alive))
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(dir, nil, WithPID(200), liveness(alive))
	if err != nil {
		t.Fatal(err)
	}

	first, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := b.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("got slots %d, %d; want 1, 2", first, second)
	}
}

func TestAcquire_ReclaimsDeadSlot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeRecord(t, dir, Slot{Number: 1, OwnerPID: 1001})
	writeRecord(t, dir, Slot{Number: 3, OwnerPID: 1003})

	r, err := New(dir, nil, WithPID(42), liveness(map[int]bool{1003: true, 42: true}))
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if n != 1 {
		t.Fatalf("Acquire() = %d, want 1", n)
	}

	got, err := r.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerPID != 42 {
		t.Errorf("slot 1 owner = %d, want 42", got.OwnerPID)
	}
	if _, err := r.Get(3); err != nil {
		t.Errorf("live slot 3 should survive: %v", err)
	}
}

func TestAcquire_PurgesCorruptRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "slot-1.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	mismatched := filepath.Join(dir, "slot-2.json")
	if err := os.WriteFile(mismatched, []byte(`{"slot":7,"owner_pid":5}`), 0o644); err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := New(dir, nil, WithPID(5), liveness(map[int]bool{5: true}))
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.Acquire()
	if err != nil {
		t.Fatalf("corruption must not block startup: %v", err)
	}
	if n != 1 {
		t.Errorf("Acquire() = %d, want 1", n)
	}
	if _, err := os.Stat(mismatched); !os.IsNotExist(err) {
		t.Error("record with mismatched slot number should be purged")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("non-record files must be left alone")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()
	r, err := New(t.TempDir(), nil, liveness(map[int]bool{os.Getpid(): true}))
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	r.Release(n)
	r.Release(n)
	r.Release(99)

	if slots := r.List(); len(slots) != 0 {
		t.Errorf("List() = %v, want empty", slots)
	}
}

func TestMigrationMarker_DoesNotOutliveSlot(t *testing.T) {
	t.Parallel()
	r, err := New(t.TempDir(), nil, liveness(map[int]bool{os.Getpid(): true}))
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RequestMigration(n, "box2", "/srv/tars"); err != nil {
		t.Fatal(err)
	}
	r.Release(n)
	if _, ok := r.PendingMigration(n); ok {
		t.Error("released slot kept its migration marker")
	}

	// Marker left behind by an owner that never released.
	if _, err := r.RequestMigration(n, "box3", "/srv/tars"); err != nil {
		t.Fatal(err)
	}
	again, err := r.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if again != n {
		t.Fatalf("reacquired slot %d, want %d", again, n)
	}
	if _, ok := r.PendingMigration(again); ok {
		t.Error("new owner inherited a stale migration marker")
	}
}

func TestUpdate_ChildPIDs(t *testing.T) {
	t.Parallel()
	r, err := New(t.TempDir(), nil, liveness(map[int]bool{os.Getpid(): true}))
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.Acquire()
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Update(n, ChildPIDs{Primary: 11, Overwatch: 12}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := r.Get(n)
	if err != nil {
		t.Fatal(err)
	}
	if got.ChildPIDs.Primary != 11 || got.ChildPIDs.Overwatch != 12 {
		t.Errorf("ChildPIDs = %+v", got.ChildPIDs)
	}
	if got.OwnerPID != os.Getpid() {
		t.Errorf("Update changed owner pid to %d", got.OwnerPID)
	}

	if err := r.Update(n+1, ChildPIDs{}); err == nil {
		t.Error("Update of a missing slot should fail")
	}
}

func TestList_SkipsDeadWithoutPurging(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeRecord(t, dir, Slot{Number: 1, OwnerPID: 1})
	writeRecord(t, dir, Slot{Number: 2, OwnerPID: 2})

	r, err := New(dir, nil, liveness(map[int]bool{2: true}))
	if err != nil {
		t.Fatal(err)
	}
	slots := r.List()
	if len(slots) != 1 || slots[0].Number != 2 {
		t.Errorf("List() = %+v, want only slot 2", slots)
	}
	if _, err := os.Stat(filepath.Join(dir, "slot-1.json")); err != nil {
		t.Error("List must not delete records")
	}
}

func TestProcessAlive(t *testing.T) {
	t.Parallel()
	if !ProcessAlive(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Error("non-positive pids are never alive")
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run true: %v", err)
	}
	if ProcessAlive(cmd.Process.Pid) {
		t.Error("reaped child should not be alive")
	}
}

func TestMigrationMarker(t *testing.T) {
	t.Parallel()
	r, err := New(t.TempDir(), nil, WithHost("box1"))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := r.PendingMigration(1); ok {
		t.Fatal("no marker expected yet")
	}
	id, err := SlotMigrator{Registry: r, Slot: 1}.RequestMigration("box2", "/srv/tars")
	if err != nil {
		t.Fatalf("RequestMigration: %v", err)
	}
	m, ok := r.PendingMigration(1)
	if !ok {
		t.Fatal("marker not found")
	}
	if m.ID != id || m.TargetHost != "box2" || m.SourceHost != "box1" {
		t.Errorf("marker = %+v", m)
	}
	if slots := r.List(); len(slots) != 0 {
		t.Error("migration markers must not be listed as slots")
	}

	r.ClearMigration(1)
	if _, ok := r.PendingMigration(1); ok {
		t.Error("marker should be cleared")
	}

	if _, err := r.RequestMigration(1, "", "/x"); err == nil {
		t.Error("empty target host should be rejected")
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()
	r, err := New(t.TempDir(), nil, liveness(map[int]bool{os.Getpid(): true}))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := make(chan []Slot, 8)
	go func() {
		_ = r.Watch(ctx, func(s []Slot) { updates <- s })
	}()

	if initial := <-updates; len(initial) != 0 {
		t.Fatalf("initial list = %v, want empty", initial)
	}
	if _, err := r.Acquire(); err != nil {
		t.Fatal(err)
	}

	for {
		select {
		case s := <-updates:
			if len(s) == 1 {
				return
			}
		case <-ctx.Done():
			t.Fatal("watch did not report the acquired slot")
		}
	}
}
