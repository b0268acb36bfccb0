package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/httprunner/BackupAgent/internal/agent/device/linktest"
)

type stubRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *stubRecorder) RecordRun(ctx context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *stubRecorder) last() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[len(r.results)-1]
}

func setupDevice(t *testing.T, manifestJSON string) (*device.Device, *linktest.Link) {
	t.Helper()
	registry := device.NewRegistry()
	dev, _ := registry.Add(6353, 146)
	link := linktest.New()
	link.Connect("ABC123", 6353, 146)
	link.SetManifest("ABC123", []byte(manifestJSON))
	if _, err := dev.RefreshConnectivity(context.Background(), link); err != nil {
		t.Fatalf("identify device failed: %v", err)
	}
	return dev, link
}

const threeFolders = `{"phone_id":"p1","phone_name":"Pixel","folders_to_backup":[
	{"source":"/sdcard/DCIM","destination":"photos"},
	{"source":"/sdcard/Music","destination":"music"},
	{"source":"/sdcard/Download","destination":"downloads"}]}`

func TestRunEmptyFolderListIsUpToDate(t *testing.T) {
	dev, link := setupDevice(t, `{"phone_id":"p1","phone_name":"Pixel","image_filename":"pixel.png","folders_to_backup":[]}`)
	orch, err := New(link, Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	res, err := orch.Run(context.Background(), dev)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	snap := dev.Snapshot()
	if res.State != device.BackupUpToDate || snap.Backup != device.BackupUpToDate || snap.Progress != 100 {
		t.Fatalf("unexpected result %+v snapshot %+v", res, snap)
	}
	if snap.BackupActive {
		t.Fatal("backup ownership not released")
	}
}

func TestRunPartialFailureReachesFullProgress(t *testing.T) {
	dev, link := setupDevice(t, threeFolders)
	link.FailCopy("/sdcard/Music", errors.New("permission denied"))
	recorder := &stubRecorder{}
	root := t.TempDir()
	orch, _ := New(link, Config{Root: root, Recorder: recorder})

	res, err := orch.Run(context.Background(), dev)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.State != device.BackupPartialSuccess {
		t.Fatalf("expected partial success, got %s", res.State)
	}
	if res.Counts != (device.Counts{Total: 3, Attempted: 3, Succeeded: 2, Failed: 1}) {
		t.Fatalf("unexpected counts: %+v", res.Counts)
	}
	snap := dev.Snapshot()
	if snap.Progress != 100 || snap.Backup != device.BackupPartialSuccess {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	copies := link.Copies()
	if len(copies) != 3 {
		t.Fatalf("expected 3 copies, got %d", len(copies))
	}
	wantOrder := []string{"/sdcard/DCIM", "/sdcard/Music", "/sdcard/Download"}
	for i, c := range copies {
		if c.Remote != wantOrder[i] {
			t.Fatalf("copy %d: want %s got %s", i, wantOrder[i], c.Remote)
		}
		if !strings.HasPrefix(c.Local, filepath.Join(root, "p1")) {
			t.Fatalf("copy %d escaped device root: %s", i, c.Local)
		}
	}
	if got := recorder.last(); got.RunID != res.RunID || got.State != device.BackupPartialSuccess {
		t.Fatalf("recorder got %+v", got)
	}
}

func TestRunManifestPullFailureIsFatal(t *testing.T) {
	dev, link := setupDevice(t, threeFolders)
	link.FailPull(errors.New("device unplugged"))
	orch, _ := New(link, Config{Root: t.TempDir()})

	res, err := orch.Run(context.Background(), dev)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	snap := dev.Snapshot()
	if res.State != device.BackupError || snap.Backup != device.BackupError {
		t.Fatalf("expected error state, got %+v", snap)
	}
	if snap.Progress != 0 || len(link.Copies()) != 0 {
		t.Fatalf("no progress expected after fatal pull: %+v", snap)
	}
	if snap.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestRunUnwritableRootIsFatal(t *testing.T) {
	dev, link := setupDevice(t, threeFolders)
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	orch, _ := New(link, Config{Root: blocker})
	res, _ := orch.Run(context.Background(), dev)
	if res.State != device.BackupError {
		t.Fatalf("expected error state, got %s", res.State)
	}
}

func TestRunKeepsDestinationInsideRoot(t *testing.T) {
	dev, link := setupDevice(t, `{"phone_id":"p1","phone_name":"Pixel","folders_to_backup":[{"source":"/sdcard/a","destination":"../../escape"}]}`)
	root := t.TempDir()
	orch, _ := New(link, Config{Root: root})
	if _, err := orch.Run(context.Background(), dev); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	copies := link.Copies()
	if len(copies) != 1 {
		t.Fatalf("expected one copy, got %d", len(copies))
	}
	want := filepath.Join(root, "p1", "escape")
	if copies[0].Local != want {
		t.Fatalf("want %s got %s", want, copies[0].Local)
	}
}

func TestRunCreatesNameAlias(t *testing.T) {
	dev, link := setupDevice(t, threeFolders)
	root := t.TempDir()
	orch, _ := New(link, Config{Root: root})
	if _, err := orch.Run(context.Background(), dev); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	target, err := os.Readlink(filepath.Join(root, aliasDirName, "Pixel"))
	if err != nil {
		t.Fatalf("alias missing: %v", err)
	}
	if target != filepath.Join(root, "p1") {
		t.Fatalf("alias points to %s", target)
	}
}

func TestTriggerRejectsIneligibleDevices(t *testing.T) {
	registry := device.NewRegistry()
	dev, _ := registry.Add(1, 2)
	link := linktest.New()
	orch, _ := New(link, Config{Root: t.TempDir()})
	if _, err := orch.Trigger(context.Background(), dev); !errors.Is(err, device.ErrNotIdentified) {
		t.Fatalf("expected ErrNotIdentified, got %v", err)
	}

	identified, link := setupDevice(t, threeFolders)
	link.Disconnect("ABC123")
	_, _ = identified.RefreshConnectivity(context.Background(), link)
	orch, _ = New(link, Config{Root: t.TempDir()})
	if _, err := orch.Trigger(context.Background(), identified); !errors.Is(err, device.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestTriggerAllowsOneRunPerDevice(t *testing.T) {
	dev, link := setupDevice(t, threeFolders)
	release := make(chan struct{})
	var mu sync.Mutex
	var observed []float64
	link.OnCopy(func(ctx context.Context, serial, remote, local string) error {
		mu.Lock()
		observed = append(observed, dev.Snapshot().Progress)
		mu.Unlock()
		<-release
		return nil
	})
	orch, _ := New(link, Config{Root: t.TempDir()})

	runID, err := orch.Trigger(context.Background(), dev)
	if err != nil {
		t.Fatalf("first trigger failed: %v", err)
	}
	if _, err := orch.Trigger(context.Background(), dev); !errors.Is(err, device.ErrBackupRunning) {
		t.Fatalf("expected ErrBackupRunning, got %v", err)
	}
	if !orch.Running(dev) {
		t.Fatal("expected running task")
	}
	if snap := dev.Snapshot(); snap.Backup != device.BackupRunning || snap.RunID != runID {
		t.Fatalf("unexpected snapshot while running: %+v", snap)
	}
	close(release)
	orch.Wait()

	if orch.Running(dev) {
		t.Fatal("task table not cleared")
	}
	if link.Overlaps() != 0 {
		t.Fatalf("device link commands overlapped %d times", link.Overlaps())
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(observed); i++ {
		if observed[i] < observed[i-1] {
			t.Fatalf("progress decreased: %v", observed)
		}
	}
	if len(observed) != 3 {
		t.Fatalf("expected 3 copies from a single run, got %d", len(observed))
	}

	if _, err := orch.Trigger(context.Background(), dev); err != nil {
		t.Fatalf("trigger after completion failed: %v", err)
	}
	orch.Wait()
	if dev.Snapshot().Progress != 100 {
		t.Fatal("second run should complete")
	}
}

func TestCancelStopsBetweenFolders(t *testing.T) {
	dev, link := setupDevice(t, threeFolders)
	orch, _ := New(link, Config{Root: t.TempDir()})
	started := make(chan struct{})
	proceed := make(chan struct{})
	link.OnCopy(func(ctx context.Context, serial, remote, local string) error {
		if remote == "/sdcard/DCIM" {
			close(started)
			<-proceed
		}
		return nil
	})

	if _, err := orch.Trigger(context.Background(), dev); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("copy did not start")
	}
	if !orch.Cancel(dev) {
		t.Fatal("expected cancel to find the task")
	}
	close(proceed)
	orch.Wait()

	snap := dev.Snapshot()
	if snap.Backup != device.BackupCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Backup)
	}
	if len(link.Copies()) != 1 {
		t.Fatalf("expected remaining folders to be skipped, got %d copies", len(link.Copies()))
	}
	if orch.Cancel(dev) {
		t.Fatal("cancel after completion should report no task")
	}
}
