package device_test

import (
	"context"
	"errors"
	"testing"

	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/httprunner/BackupAgent/internal/agent/device/linktest"
)

const pixelManifest = `{"phone_id":"p1","phone_name":"Pixel","image_filename":"pixel.png","folders_to_backup":[]}`

func TestRefreshIdentifiesOnlineDevice(t *testing.T) {
	registry := device.NewRegistry()
	dev, _ := registry.Add(6353, 146)
	link := linktest.New()
	link.Connect("ABC123", 6353, 146)
	link.SetManifest("ABC123", []byte(pixelManifest))

	change, err := dev.RefreshConnectivity(context.Background(), link)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !change.Connected || !change.Identified {
		t.Fatalf("unexpected change: %+v", change)
	}
	snap := dev.Snapshot()
	if !snap.Identified || snap.DisplayName != "Pixel" || snap.PhoneID != "p1" || snap.ImageFilename != "pixel.png" {
		t.Fatalf("identity not populated: %+v", snap)
	}
	if snap.Connection != device.Online || snap.Serial != "ABC123" {
		t.Fatalf("connectivity not updated: %+v", snap)
	}
	if snap.Backup != device.BackupUnknown {
		t.Fatalf("backup state should stay unknown, got %s", snap.Backup)
	}
}

func TestRefreshIdentificationFailureLeavesIdentityEmpty(t *testing.T) {
	cases := []struct {
		name  string
		setup func(l *linktest.Link)
		want  error
	}{
		{"missing manifest", func(l *linktest.Link) {}, device.ErrIdentification},
		{"malformed json", func(l *linktest.Link) { l.SetManifest("S1", []byte("{bad")) }, device.ErrIdentification},
		{"missing name", func(l *linktest.Link) { l.SetManifest("S1", []byte(`{"phone_id":"p1"}`)) }, device.ErrIdentification},
		{"pull failure", func(l *linktest.Link) {
			l.SetManifest("S1", []byte(pixelManifest))
			l.FailPull(errors.New("device unplugged"))
		}, device.ErrTransport},
		{"manifest check failure", func(l *linktest.Link) { l.FailExists(errors.New("permission denied")) }, device.ErrTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registry := device.NewRegistry()
			dev, _ := registry.Add(1, 2)
			link := linktest.New()
			link.Connect("S1", 1, 2)
			tc.setup(link)

			_, err := dev.RefreshConnectivity(context.Background(), link)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			snap := dev.Snapshot()
			if snap.Identified || snap.PhoneID != "" || snap.DisplayName != "" || snap.ImageFilename != "" {
				t.Fatalf("identity partially populated: %+v", snap)
			}
			if snap.Connection != device.Online {
				t.Fatalf("device should still be online: %+v", snap)
			}
		})
	}
}

func TestRefreshDisconnectResetsBackupFields(t *testing.T) {
	registry := device.NewRegistry()
	dev, _ := registry.Add(1, 2)
	link := linktest.New()
	link.Connect("S1", 1, 2)
	link.SetManifest("S1", []byte(pixelManifest))
	ctx := context.Background()
	if _, err := dev.RefreshConnectivity(ctx, link); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := dev.BeginBackup("run-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	dev.ReportProgress("run-1", device.Counts{Total: 2, Attempted: 2, Succeeded: 2})
	dev.FinishBackup("run-1", device.BackupUpToDate, "")

	link.Disconnect("S1")
	change, err := dev.RefreshConnectivity(ctx, link)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !change.Disconnected || change.Orphaned {
		t.Fatalf("unexpected change: %+v", change)
	}
	snap := dev.Snapshot()
	if snap.Connection != device.Offline || snap.Serial != "" {
		t.Fatalf("device should be offline: %+v", snap)
	}
	if snap.Backup != device.BackupUnknown || snap.Progress != 0 {
		t.Fatalf("backup fields not reset: %+v", snap)
	}
	if !snap.Identified {
		t.Fatal("identity should survive a disconnect")
	}
}

func TestRefreshDisconnectKeepsProgressOwnedByBackup(t *testing.T) {
	registry := device.NewRegistry()
	dev, _ := registry.Add(1, 2)
	link := linktest.New()
	link.Connect("S1", 1, 2)
	link.SetManifest("S1", []byte(pixelManifest))
	ctx := context.Background()
	if _, err := dev.RefreshConnectivity(ctx, link); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := dev.BeginBackup("run-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	dev.ReportProgress("run-1", device.Counts{Total: 4, Attempted: 2, Succeeded: 2})

	link.Disconnect("S1")
	change, err := dev.RefreshConnectivity(ctx, link)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !change.Orphaned {
		t.Fatalf("expected orphaned backup, got %+v", change)
	}
	snap := dev.Snapshot()
	if snap.Progress != 50 || snap.Backup != device.BackupRunning {
		t.Fatalf("backup fields cleared while owned: %+v", snap)
	}
}

func TestUnidentifiedDeviceStaysUnknown(t *testing.T) {
	registry := device.NewRegistry()
	dev, _ := registry.Add(1, 2)
	link := linktest.New()
	link.Connect("S1", 1, 2)
	for i := 0; i < 5; i++ {
		_, _ = dev.RefreshConnectivity(context.Background(), link)
	}
	if dev.MarkNeedsBackup() {
		t.Fatal("unidentified device must not be marked for backup")
	}
	if err := dev.BeginBackup("run-1"); !errors.Is(err, device.ErrNotIdentified) {
		t.Fatalf("expected ErrNotIdentified, got %v", err)
	}
	if got := dev.Snapshot().Backup; got != device.BackupUnknown {
		t.Fatalf("expected unknown backup state, got %s", got)
	}
}

func TestProgressIsMonotonicWithinRun(t *testing.T) {
	registry := device.NewRegistry()
	dev, _ := registry.Add(1, 2)
	link := linktest.New()
	link.Connect("S1", 1, 2)
	link.SetManifest("S1", []byte(pixelManifest))
	if _, err := dev.RefreshConnectivity(context.Background(), link); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := dev.BeginBackup("run-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	dev.ReportProgress("run-1", device.Counts{Total: 4, Attempted: 3})
	dev.ReportProgress("run-1", device.Counts{Total: 4, Attempted: 1})
	if got := dev.Snapshot().Progress; got != 75 {
		t.Fatalf("progress went backwards: %v", got)
	}
	dev.ReportProgress("run-other", device.Counts{Total: 1, Attempted: 1})
	if got := dev.Snapshot().Progress; got != 75 {
		t.Fatalf("foreign run changed progress: %v", got)
	}
	if err := dev.BeginBackup("run-2"); !errors.Is(err, device.ErrBackupRunning) {
		t.Fatalf("expected ErrBackupRunning, got %v", err)
	}
	dev.FinishBackup("run-1", device.BackupError, "boom")
	if err := dev.BeginBackup("run-2"); err != nil {
		t.Fatalf("begin run-2 failed: %v", err)
	}
	if got := dev.Snapshot().Progress; got != 0 {
		t.Fatalf("new run should start at 0, got %v", got)
	}
}


func TestPushManifestRoundTripAdoptsIdentity(t *testing.T) {
	dev := device.New(device.Key{VendorID: 1, ProductID: 2})
	link := linktest.New()
	ctx := context.Background()
	if err := dev.PushManifest(ctx, link, []byte(pixelManifest)); !errors.Is(err, device.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}

	link.Connect("S1", 1, 2)
	conns, _ := link.ListConnected(ctx)
	if _, err := dev.Apply(ctx, nil, conns); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if err := dev.PushManifest(ctx, link, []byte(`{"phone_id":"","phone_name":"x"}`)); err == nil {
		t.Fatal("invalid manifest should be rejected")
	}
	if _, ok := link.Manifest("S1"); ok {
		t.Fatal("invalid manifest reached the device")
	}

	if err := dev.PushManifest(ctx, link, []byte(pixelManifest)); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	pulled, err := link.PullManifest(ctx, "S1")
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if string(pulled) != pixelManifest {
		t.Fatalf("round trip mismatch: %s", pulled)
	}
	snap := dev.Snapshot()
	if !snap.Identified || snap.PhoneID != "p1" || snap.DisplayName != "Pixel" {
		t.Fatalf("pushed identity not adopted: %+v", snap)
	}

	link.FailPush(errors.New("adb: closed"))
	other := `{"phone_id":"p2","phone_name":"Other"}`
	if err := dev.PushManifest(ctx, link, []byte(other)); !errors.Is(err, device.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if snap := dev.Snapshot(); snap.PhoneID != "p1" {
		t.Fatalf("failed push changed identity: %+v", snap)
	}
}
