package adb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/httprunner/BackupAgent/internal/manifest"
	gadb "github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// remote is the subset of *gadb.Device the link relies on.
//
// RunShellCommand joins its arguments with spaces and hands the line to the
// device shell unquoted, so callers pass a single pre-quoted command line.
// On shell v2 devices a non-zero exit returns an error and drops stdout.
type remote interface {
	Serial() string
	RunShellCommand(cmd string, args ...string) (string, error)
	Pull(remotePath string, dest io.Writer) error
	Push(source io.Reader, remotePath string, modification time.Time, mode ...os.FileMode) error
}

// Option customizes a Provider.
type Option func(*Provider)

// WithManifestPath overrides the on-device manifest location.
func WithManifestPath(p string) Option {
	return func(pr *Provider) {
		if p = strings.TrimSpace(p); p != "" {
			pr.manifestPath = p
		}
	}
}

// WithUSBResolver overrides how serials map to USB vendor/product IDs.
func WithUSBResolver(r USBResolver) Option {
	return func(pr *Provider) {
		if r != nil {
			pr.usb = r
		}
	}
}

// Provider implements device.Link using gadb.
type Provider struct {
	client       gadb.Client
	manifestPath string
	usb          USBResolver
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client, opts ...Option) *Provider {
	p := &Provider{
		client:       client,
		manifestPath: manifest.DefaultPath,
		usb:          NewSysfsResolver(""),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault(opts ...Option) (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for link")
	}
	return New(client, opts...), nil
}

// ManifestPath returns the on-device manifest location.
func (p *Provider) ManifestPath() string { return p.manifestPath }

// ListConnected returns online adb devices with resolvable USB IDs.
func (p *Provider) ListConnected(ctx context.Context) ([]device.Connection, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	result := make([]device.Connection, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil || state != gadb.StateOnline {
			continue
		}
		vendorID, productID, ok := p.usb.Lookup(serial)
		if !ok {
			log.Debug().Str("serial", serial).Msg("adb device without usb ids, skipped")
			continue
		}
		result = append(result, device.Connection{Serial: serial, VendorID: vendorID, ProductID: productID})
	}
	return result, nil
}

// ManifestExists reports whether the manifest path is a regular file.
func (p *Provider) ManifestExists(ctx context.Context, serial string) (bool, error) {
	dev, err := p.find(serial)
	if err != nil {
		return false, err
	}
	return exists(dev, "-f", p.manifestPath)
}

// exists runs `test <flag> path`. The trailing true keeps the exit status
// zero so a missing path is an answer rather than a transport error.
func exists(dev remote, flag, remotePath string) (bool, error) {
	out, err := dev.RunShellCommand(fmt.Sprintf("test %s %s && echo ok; true", flag, shellQuote(remotePath)))
	if err != nil {
		return false, errors.Wrapf(err, "test %s %s", flag, remotePath)
	}
	return strings.TrimSpace(out) == "ok", nil
}

// PullManifest reads the manifest bytes from the device.
func (p *Provider) PullManifest(ctx context.Context, serial string) ([]byte, error) {
	dev, err := p.find(serial)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := dev.Pull(p.manifestPath, &buf); err != nil {
		return nil, errors.Wrapf(err, "pull %s", p.manifestPath)
	}
	return buf.Bytes(), nil
}

// PushManifest writes to a temp path and renames it into place, so the
// device sees either the old or the new manifest.
func (p *Provider) PushManifest(ctx context.Context, serial string, data []byte) error {
	dev, err := p.find(serial)
	if err != nil {
		return err
	}
	return pushAtomic(dev, p.manifestPath, data)
}

func pushAtomic(dev remote, target string, data []byte) error {
	dir := path.Dir(target)
	if out, err := dev.RunShellCommand("mkdir -p " + shellQuote(dir)); err != nil || strings.TrimSpace(out) != "" {
		return shellErr(err, out, "mkdir %s", dir)
	}
	tmp := target + ".tmp"
	if err := dev.Push(bytes.NewReader(data), tmp, time.Now(), 0o644); err != nil {
		return errors.Wrapf(err, "push %s", tmp)
	}
	if out, err := dev.RunShellCommand("mv -f " + shellQuote(tmp) + " " + shellQuote(target)); err != nil || strings.TrimSpace(out) != "" {
		_, _ = dev.RunShellCommand("rm -f " + shellQuote(tmp))
		return shellErr(err, out, "mv %s", target)
	}
	return nil
}

// CopyRecursive pulls every regular file below remotePath into
// localPath/<base(remotePath)>, mirroring `adb pull` into an existing dir.
// Files that fail, and entries find could not read, are skipped and
// reported together after the readable files were pulled.
func (p *Provider) CopyRecursive(ctx context.Context, serial, remotePath, localPath string) error {
	dev, err := p.find(serial)
	if err != nil {
		return err
	}
	return copyTree(ctx, dev, remotePath, localPath)
}

func copyTree(ctx context.Context, dev remote, remotePath, localPath string) error {
	remotePath = strings.TrimRight(strings.TrimSpace(remotePath), "/")
	if remotePath == "" {
		return errors.New("remote path is empty")
	}
	ok, err := exists(dev, "-e", remotePath)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("remote path %s not found", remotePath)
	}
	// find exits non-zero on any unreadable entry; its complaints are
	// folded into stdout and counted as failures.
	out, err := dev.RunShellCommand(fmt.Sprintf("find %s -type f 2>&1; true", shellQuote(remotePath)))
	if err != nil {
		return errors.Wrapf(err, "find %s", remotePath)
	}
	files, unreadable := listFiles(out, remotePath)
	var (
		failed   = len(unreadable)
		firstErr error
	)
	for _, line := range unreadable {
		if firstErr == nil {
			firstErr = errors.New(line)
		}
		log.Warn().Str("serial", dev.Serial()).Str("entry", line).Msg("remote entry unreadable")
	}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := localTarget(localPath, remotePath, file)
		if err := pullFile(dev, file, target); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			log.Warn().Err(err).Str("serial", dev.Serial()).Str("file", file).Msg("pull file failed")
		}
	}
	if failed > 0 {
		return errors.Wrapf(firstErr, "%d of %d entries failed under %s", failed, len(files)+len(unreadable), remotePath)
	}
	log.Debug().Str("serial", dev.Serial()).Str("remote", remotePath).Int("files", len(files)).Msg("folder pulled")
	return nil
}

// listFiles splits find output into file paths under remotePath and
// find's own error lines.
func listFiles(findOutput, remotePath string) (files, unreadable []string) {
	for _, line := range strings.Split(findOutput, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
		case strings.HasPrefix(line, remotePath):
			files = append(files, line)
		case strings.HasPrefix(line, "find: "):
			unreadable = append(unreadable, line)
		}
	}
	return files, unreadable
}

func localTarget(localPath, remotePath, file string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(file, remotePath), "/")
	base := filepath.Join(localPath, path.Base(remotePath))
	if rel == "" {
		return base
	}
	return filepath.Join(base, filepath.Clean(string(filepath.Separator)+filepath.FromSlash(rel)))
}

func pullFile(dev remote, file, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "create local dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".pull-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := dev.Pull(file, tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "pull %s", file)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	return errors.Wrap(os.Rename(tmpName, target), "rename pulled file")
}

func (p *Provider) find(serial string) (remote, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d != nil && strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, errors.Errorf("device %s not found", serial)
}

// shellQuote wraps s in single quotes for the device shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellErr(err error, out, format string, args ...any) error {
	if err != nil {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Errorf("%s: %s", fmt.Sprintf(format, args...), strings.TrimSpace(out))
}
