package backupagent

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// HostID returns a best-effort stable identifier of the machine the phones
// are plugged into, falling back to the hostname.
func HostID() string {
	if id := hardwareUUID(); id != "" {
		return id
	}
	name, _ := os.Hostname()
	return name
}

func hardwareUUID() string {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return ""
		}
		for _, line := range strings.Split(string(out), "\n") {
			if !strings.Contains(line, "IOPlatformUUID") {
				continue
			}
			if parts := strings.Split(line, "\""); len(parts) >= 4 {
				return strings.TrimSpace(parts[3])
			}
		}
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id
				}
			}
		}
	}
	return ""
}
