package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	lock, err := AcquireLock(dir, "serve")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %q", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	fields := parseInfo(string(content))
	if fields["pid"] != fmt.Sprint(os.Getpid()) {
		t.Errorf("lock file pid = %q, want %d", fields["pid"], os.Getpid())
	}
	if fields["purpose"] != "serve" {
		t.Errorf("lock file purpose = %q", fields["purpose"])
	}
	if fields["started"] == "" {
		t.Error("lock file should record a start time")
	}
}

func TestAcquireLock_Conflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir, "serve")
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir, "chat")
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock should fail while the first is held")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	wantHolder := fmt.Sprintf("PID %d (serve)", os.Getpid())
	if lockErr.Holder != wantHolder {
		t.Errorf("holder = %q, want %q", lockErr.Holder, wantHolder)
	}
	if !strings.Contains(err.Error(), first.Path()) {
		t.Errorf("error should name the lock file: %s", err)
	}

	// The failed attempt must not clobber the holder's info.
	content, _ := os.ReadFile(first.Path())
	if parseInfo(string(content))["purpose"] != "serve" {
		t.Errorf("holder info was overwritten: %q", content)
	}
}

func TestRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "serve")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}

	again, err := AcquireLock(dir, "chat")
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	again.Release()
}

func TestDescribeHolder(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "", ""},
		{"garbage", "hello", ""},
		{"running", fmt.Sprintf("pid=%d\npurpose=chat\n", os.Getpid()), fmt.Sprintf("PID %d (chat)", os.Getpid())},
		{"stale", "pid=999999999\n", "PID 999999999, not running"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if got := describeHolder(path); got != tt.want {
				t.Errorf("describeHolder = %q, want %q", got, tt.want)
			}
		})
	}
}
