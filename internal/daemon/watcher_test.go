package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TestFileWatcher_StartStop verifies that the watcher can start and stop cleanly.
func TestFileWatcher_StartStop(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if err := fw.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}

	if err := fw.Start(t.TempDir()); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}

	// Stop is idempotent.
	if err := fw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestFileWatcher_AttachmentCreated(t *testing.T) {
	dir := t.TempDir()

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Ignored: not an attachment type
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "slip.PNG")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-fw.Events():
		want, _ := filepath.Abs(path)
		if ev.Path != want {
			t.Errorf("event path = %s, want %s", ev.Path, want)
		}
		if ev.Op != OpCreate && ev.Op != OpModify {
			t.Errorf("event op = %s, want create or modify", ev.Op)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event for new attachment")
	}
}

func TestFileWatcher_ConvertEvent(t *testing.T) {
	dir := t.TempDir()
	abs, _ := filepath.Abs(dir)
	fw := &FileWatcher{dir: abs}

	tests := []struct {
		name   string
		event  fsnotify.Event
		wantOK bool
		wantOp EventOp
	}{
		{"jpeg create", fsnotify.Event{Name: filepath.Join(abs, "a.jpg"), Op: fsnotify.Create}, true, OpCreate},
		{"pdf write", fsnotify.Event{Name: filepath.Join(abs, "a.pdf"), Op: fsnotify.Write}, true, OpModify},
		{"remove ignored", fsnotify.Event{Name: filepath.Join(abs, "a.jpg"), Op: fsnotify.Remove}, false, 0},
		{"chmod ignored", fsnotify.Event{Name: filepath.Join(abs, "a.jpg"), Op: fsnotify.Chmod}, false, 0},
		{"other extension", fsnotify.Event{Name: filepath.Join(abs, "a.json"), Op: fsnotify.Create}, false, 0},
		{"subdirectory", fsnotify.Event{Name: filepath.Join(abs, "sub", "a.jpg"), Op: fsnotify.Create}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := fw.convertEvent(tt.event)
			if ok != tt.wantOK {
				t.Fatalf("convertEvent() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && ev.Op != tt.wantOp {
				t.Errorf("convertEvent() op = %s, want %s", ev.Op, tt.wantOp)
			}
		})
	}
}

func TestEventOp_String(t *testing.T) {
	if OpCreate.String() != "create" || OpModify.String() != "modify" || EventOp(9).String() != "unknown" {
		t.Error("unexpected EventOp names")
	}
}
