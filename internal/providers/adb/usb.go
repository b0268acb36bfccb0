package adb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultSysfsRoot = "/sys/bus/usb/devices"

// USBResolver maps an adb serial to the USB vendor/product IDs of the
// attached device.
type USBResolver interface {
	Lookup(serial string) (vendorID, productID int, ok bool)
}

// SysfsResolver reads idVendor/idProduct from Linux sysfs, matching the
// device whose `serial` attribute equals the adb serial.
type SysfsResolver struct {
	root string
}

// NewSysfsResolver returns a resolver rooted at root, or the standard
// sysfs USB path when root is empty.
func NewSysfsResolver(root string) *SysfsResolver {
	if strings.TrimSpace(root) == "" {
		root = defaultSysfsRoot
	}
	return &SysfsResolver{root: root}
}

func (r *SysfsResolver) Lookup(serial string) (int, int, bool) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return 0, 0, false
	}
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return 0, 0, false
	}
	for _, entry := range entries {
		dir := filepath.Join(r.root, entry.Name())
		if readAttr(dir, "serial") != serial {
			continue
		}
		vendorID, err := strconv.ParseInt(readAttr(dir, "idVendor"), 16, 32)
		if err != nil {
			continue
		}
		productID, err := strconv.ParseInt(readAttr(dir, "idProduct"), 16, 32)
		if err != nil {
			continue
		}
		return int(vendorID), int(productID), true
	}
	return 0, 0, false
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// StaticResolver maps serials to fixed IDs; useful on hosts without sysfs.
type StaticResolver map[string][2]int

func (s StaticResolver) Lookup(serial string) (int, int, bool) {
	ids, ok := s[strings.TrimSpace(serial)]
	return ids[0], ids[1], ok
}
