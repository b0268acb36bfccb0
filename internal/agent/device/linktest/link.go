// Package linktest provides an in-memory device.Link for tests.
package linktest

import (
	"context"
	"sync"

	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/pkg/errors"
)

// CopyCall records one CopyRecursive invocation.
type CopyCall struct {
	Serial string
	Remote string
	Local  string
}

// CopyFunc overrides the default copy behavior.
type CopyFunc func(ctx context.Context, serial, remote, local string) error

// PushFunc runs before a pushed manifest is stored; an error aborts the push.
type PushFunc func(ctx context.Context, serial string) error

// Link is a fake device link keyed by serial.
type Link struct {
	mu        sync.Mutex
	conns     []device.Connection
	manifests map[string][]byte
	listErr   error
	existsErr error
	pullErr   error
	pushErr   error
	copyErrs  map[string]error
	copyFunc  CopyFunc
	pushFunc  PushFunc
	copies    []CopyCall
	inflight  map[string]int
	overlaps  int
}

// New returns an empty fake link.
func New() *Link {
	return &Link{
		manifests: make(map[string][]byte),
		copyErrs:  make(map[string]error),
		inflight:  make(map[string]int),
	}
}

// Connect attaches a device.
func (l *Link) Connect(serial string, vendorID, productID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns = append(l.conns, device.Connection{Serial: serial, VendorID: vendorID, ProductID: productID})
}

// Disconnect detaches every connection with serial.
func (l *Link) Disconnect(serial string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.conns[:0]
	for _, c := range l.conns {
		if c.Serial != serial {
			kept = append(kept, c)
		}
	}
	l.conns = kept
}

// SetManifest stores raw manifest bytes on a device.
func (l *Link) SetManifest(serial string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifests[serial] = append([]byte(nil), data...)
}

// Manifest returns the stored manifest bytes.
func (l *Link) Manifest(serial string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.manifests[serial]
	return append([]byte(nil), data...), ok
}

func (l *Link) FailList(err error)   { l.set(func() { l.listErr = err }) }
func (l *Link) FailExists(err error) { l.set(func() { l.existsErr = err }) }
func (l *Link) FailPull(err error)   { l.set(func() { l.pullErr = err }) }
func (l *Link) FailPush(err error)   { l.set(func() { l.pushErr = err }) }

// FailCopy makes CopyRecursive fail for remote.
func (l *Link) FailCopy(remote string, err error) {
	l.set(func() { l.copyErrs[remote] = err })
}

// OnCopy installs a custom copy function, called after failure injection.
func (l *Link) OnCopy(fn CopyFunc) { l.set(func() { l.copyFunc = fn }) }

// OnPush installs a hook called on every PushManifest after failure injection.
func (l *Link) OnPush(fn PushFunc) { l.set(func() { l.pushFunc = fn }) }

// Copies returns the recorded copy calls in order.
func (l *Link) Copies() []CopyCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CopyCall(nil), l.copies...)
}

// Overlaps counts per-serial commands that ran concurrently.
func (l *Link) Overlaps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overlaps
}

func (l *Link) set(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

func (l *Link) enter(serial string) func() {
	l.mu.Lock()
	if l.inflight[serial] > 0 {
		l.overlaps++
	}
	l.inflight[serial]++
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.inflight[serial]--
		l.mu.Unlock()
	}
}

func (l *Link) ListConnected(ctx context.Context) ([]device.Connection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listErr != nil {
		return nil, l.listErr
	}
	return append([]device.Connection(nil), l.conns...), nil
}

func (l *Link) ManifestExists(ctx context.Context, serial string) (bool, error) {
	defer l.enter(serial)()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.existsErr != nil {
		return false, l.existsErr
	}
	_, ok := l.manifests[serial]
	return ok, nil
}

func (l *Link) PullManifest(ctx context.Context, serial string) ([]byte, error) {
	defer l.enter(serial)()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pullErr != nil {
		return nil, l.pullErr
	}
	data, ok := l.manifests[serial]
	if !ok {
		return nil, errors.Errorf("%s: manifest not found", serial)
	}
	return append([]byte(nil), data...), nil
}

func (l *Link) PushManifest(ctx context.Context, serial string, data []byte) error {
	defer l.enter(serial)()
	l.mu.Lock()
	err, fn := l.pushErr, l.pushFunc
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		if err := fn(ctx, serial); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifests[serial] = append([]byte(nil), data...)
	return nil
}

func (l *Link) CopyRecursive(ctx context.Context, serial, remote, local string) error {
	defer l.enter(serial)()
	l.mu.Lock()
	l.copies = append(l.copies, CopyCall{Serial: serial, Remote: remote, Local: local})
	err := l.copyErrs[remote]
	fn := l.copyFunc
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		return fn(ctx, serial, remote, local)
	}
	return nil
}
