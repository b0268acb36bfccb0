package main

import (
	"path"
	"strconv"
	"strings"

	"github.com/httprunner/BackupAgent/internal/manifest"
	"github.com/pkg/errors"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// parseFolders accepts "<source>:<destination>"; a missing destination
// reuses the last path element of source.
func parseFolders(values []string) ([]manifest.Folder, error) {
	folders := make([]manifest.Folder, 0, len(values))
	for _, raw := range values {
		source, dest, _ := strings.Cut(strings.TrimSpace(raw), ":")
		source = strings.TrimSpace(source)
		if source == "" {
			return nil, errors.Errorf("invalid --folder %q", raw)
		}
		dest = strings.TrimSpace(dest)
		if dest == "" {
			dest = path.Base(source)
		}
		folders = append(folders, manifest.Folder{Source: source, Destination: dest})
	}
	return folders, nil
}

func parseKeyArgs(args []string) (int, int, error) {
	if len(args) != 2 {
		return 0, 0, errors.New("expected <vendor-id> <product-id>")
	}
	vendorID, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, errors.Wrap(err, "parse vendor id")
	}
	productID, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, errors.Wrap(err, "parse product id")
	}
	return vendorID, productID, nil
}
