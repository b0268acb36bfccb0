package backupagent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/httprunner/BackupAgent/internal/agent/device/linktest"
	"github.com/httprunner/BackupAgent/internal/config"
)

func testSettings(t *testing.T) config.Settings {
	dir := t.TempDir()
	return config.Settings{
		BackupLocation: filepath.Join(dir, "backups"),
		DBPath:         filepath.Join(dir, "agent.sqlite"),
		PollInterval:   10 * time.Millisecond,
	}
}

func TestNewAgentRejectsBadSchedule(t *testing.T) {
	settings := testSettings(t)
	settings.Schedule = "every tuesday"
	if _, err := NewAgent(settings, linktest.New()); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}

func TestAgentRunIdentifiesRestoredDevice(t *testing.T) {
	settings := testSettings(t)
	link := linktest.New()
	link.Connect("ABC123", 6353, 146)

	first, err := NewAgent(settings, link)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if _, err := first.Service().AddDevice(context.Background(), 6353, 146, AddRequest{Name: "Pixel"}); err != nil {
		t.Fatalf("add device: %v", err)
	}
	first.Close()

	agent, err := NewAgent(settings, link)
	if err != nil {
		t.Fatalf("reopen agent: %v", err)
	}
	defer agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	extraRan := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- agent.Run(ctx, Worker{Name: "extra", Run: func(ctx context.Context) error {
			close(extraRan)
			<-ctx.Done()
			return nil
		}})
	}()

	deadline := time.After(2 * time.Second)
	for {
		snap, ok := agent.Service().GetDevice(6353, 146)
		if ok && snap.Identified && snap.Connection == device.Online {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("device not identified by running agent: %+v", snap)
		case <-time.After(10 * time.Millisecond):
		}
	}
	<-extraRan

	link.Disconnect("ABC123")
	deadline = time.After(2 * time.Second)
	for {
		snap, _ := agent.Service().GetDevice(6353, 146)
		if snap.Connection == device.Offline {
			break
		}
		select {
		case <-deadline:
			t.Fatal("poller did not observe disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}
