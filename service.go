package backupagent

import (
	"context"
	"strings"
	"sync"

	"github.com/httprunner/BackupAgent/internal/agent/backup"
	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/httprunner/BackupAgent/internal/agent/poller"
	"github.com/httprunner/BackupAgent/internal/manifest"
	"github.com/httprunner/BackupAgent/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidRequest rejects malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotConnected means no phone with the requested USB IDs is attached.
	ErrNotConnected = errors.New("device not connected")
	// ErrAlreadyRegistered rejects provisioning a key that is already registered.
	ErrAlreadyRegistered = errors.New("device already registered")
)

// Store persists registered devices and backup history.
type Store interface {
	SaveDevice(ctx context.Context, rec storage.DeviceRecord) error
	DeleteDevice(ctx context.Context, vendorID, productID int) error
	LoadDevices(ctx context.Context) ([]storage.DeviceRecord, error)
	ListRuns(ctx context.Context, key device.Key, limit int) ([]backup.Result, error)
}

// ManifestDefaults fills manifest fields callers leave empty.
type ManifestDefaults struct {
	BackupLocation string
}

// Options wires the service collaborators. Poller and Store are optional.
type Options struct {
	Registry         *device.Registry
	Link             device.Link
	Poller           *poller.Poller
	Orchestrator     *backup.Orchestrator
	Store            Store
	ManifestDefaults ManifestDefaults
}

// AddRequest describes the manifest provisioned onto a new phone.
type AddRequest struct {
	PhoneID       string            `json:"phone_id,omitempty"`
	Name          string            `json:"phone_name"`
	ImageFilename string            `json:"image_filename"`
	Folders       []manifest.Folder `json:"folders_to_backup"`
}

// Service is the operation surface shared by the HTTP API, scheduler and CLI.
type Service struct {
	registry     *device.Registry
	link         device.Link
	poller       *poller.Poller
	orchestrator *backup.Orchestrator
	store        Store
	defaults     ManifestDefaults

	// pending holds keys whose AddDevice is between the registration check
	// and Registry.Add.
	mu      sync.Mutex
	pending map[device.Key]struct{}
}

// NewService validates the required collaborators.
func NewService(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("service: registry cannot be nil")
	}
	if opts.Link == nil {
		return nil, errors.New("service: link cannot be nil")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("service: orchestrator cannot be nil")
	}
	return &Service{
		registry:     opts.Registry,
		link:         opts.Link,
		poller:       opts.Poller,
		orchestrator: opts.Orchestrator,
		store:        opts.Store,
		defaults:     opts.ManifestDefaults,
		pending:      make(map[device.Key]struct{}),
	}, nil
}

// ListDevices returns a snapshot of every registered device ordered by key.
func (s *Service) ListDevices() []device.Snapshot {
	return s.registry.Snapshots()
}

// GetDevice returns the snapshot of one registered device.
func (s *Service) GetDevice(vendorID, productID int) (device.Snapshot, bool) {
	dev, ok := s.registry.Get(vendorID, productID)
	if !ok {
		return device.Snapshot{}, false
	}
	return dev.Snapshot(), true
}

// AddDevice provisions a manifest onto the attached phone matching the USB
// IDs and registers it. The device handle is built and pushed to before it
// is registered, so a failed push leaves the registry untouched.
func (s *Service) AddDevice(ctx context.Context, vendorID, productID int, req AddRequest) (manifest.Manifest, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return manifest.Manifest{}, errors.Wrap(ErrInvalidRequest, "phone_name is required")
	}
	for _, folder := range req.Folders {
		if strings.TrimSpace(folder.Source) == "" {
			return manifest.Manifest{}, errors.Wrap(ErrInvalidRequest, "folder source is required")
		}
	}
	key := device.Key{VendorID: vendorID, ProductID: productID}
	if err := s.reserve(key); err != nil {
		return manifest.Manifest{}, err
	}
	defer s.release(key)

	conns, err := s.link.ListConnected(ctx)
	if err != nil {
		return manifest.Manifest{}, &device.TransportError{Op: "list", Err: err}
	}
	dev := device.New(key)
	if _, err := dev.Apply(ctx, nil, conns); err != nil {
		return manifest.Manifest{}, err
	}
	serial := dev.Serial()
	if serial == "" {
		return manifest.Manifest{}, errors.Wrapf(ErrNotConnected, "no phone attached with ids %s", key)
	}

	m := manifest.New(name, strings.TrimSpace(req.ImageFilename), req.Folders)
	if id := strings.TrimSpace(req.PhoneID); id != "" {
		m.PhoneID = id
	}
	if loc := strings.TrimSpace(s.defaults.BackupLocation); loc != "" {
		m.BackupLocation = loc
	}
	data, err := m.Encode()
	if err != nil {
		return manifest.Manifest{}, err
	}
	if err := dev.PushManifest(ctx, s.link, data); err != nil {
		log.Error().Err(err).Str("device", key.String()).Str("serial", serial).Msg("push manifest failed")
		return manifest.Manifest{}, err
	}

	if _, created := s.registry.Register(dev); !created {
		// Restore registered the key while the manifest was being pushed.
		log.Warn().Str("device", key.String()).Str("phone_id", m.PhoneID).Msg("device registered concurrently, new manifest left on phone")
		return manifest.Manifest{}, ErrAlreadyRegistered
	}
	if s.store != nil {
		rec := storage.DeviceRecord{VendorID: vendorID, ProductID: productID, PhoneID: m.PhoneID, DisplayName: m.PhoneName}
		if err := s.store.SaveDevice(ctx, rec); err != nil {
			log.Warn().Err(err).Str("device", key.String()).Msg("persist device failed")
		}
	}
	log.Info().
		Str("device", key.String()).
		Str("serial", serial).
		Str("phone_id", m.PhoneID).
		Str("phone_name", m.PhoneName).
		Msg("device added")
	return m, nil
}

// reserve claims key for one AddDevice call at a time.
func (s *Service) reserve(key device.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registry.Get(key.VendorID, key.ProductID); ok {
		return ErrAlreadyRegistered
	}
	if _, ok := s.pending[key]; ok {
		return errors.Wrap(ErrAlreadyRegistered, "add in progress")
	}
	s.pending[key] = struct{}{}
	return nil
}

func (s *Service) release(key device.Key) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// RemoveDevice cancels any active backup, unregisters the device and forgets it.
func (s *Service) RemoveDevice(ctx context.Context, vendorID, productID int) error {
	dev, ok := s.registry.Remove(vendorID, productID)
	if !ok {
		return device.ErrNotFound
	}
	if s.orchestrator.Cancel(dev) {
		log.Info().Str("device", dev.Key().String()).Msg("cancelled backup of removed device")
	}
	if s.store != nil {
		if err := s.store.DeleteDevice(ctx, vendorID, productID); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBackup starts a background backup and returns its run ID.
func (s *Service) TriggerBackup(ctx context.Context, vendorID, productID int) (string, error) {
	dev, ok := s.registry.Get(vendorID, productID)
	if !ok {
		return "", device.ErrNotFound
	}
	return s.orchestrator.Trigger(ctx, dev)
}

// RunBackup runs a backup to completion in the calling goroutine.
func (s *Service) RunBackup(ctx context.Context, vendorID, productID int) (backup.Result, error) {
	dev, ok := s.registry.Get(vendorID, productID)
	if !ok {
		return backup.Result{}, device.ErrNotFound
	}
	return s.orchestrator.Run(ctx, dev)
}

// CancelBackup reports whether a running backup was asked to stop.
func (s *Service) CancelBackup(vendorID, productID int) bool {
	dev, ok := s.registry.Get(vendorID, productID)
	if !ok {
		return false
	}
	return s.orchestrator.Cancel(dev)
}

// MarkNeedsBackup flags an identified idle device as due for backup.
func (s *Service) MarkNeedsBackup(vendorID, productID int) bool {
	dev, ok := s.registry.Get(vendorID, productID)
	if !ok {
		return false
	}
	return dev.MarkNeedsBackup()
}

// BackupHistory lists recorded runs, newest first. Without a store it is empty.
func (s *Service) BackupHistory(ctx context.Context, vendorID, productID, limit int) ([]backup.Result, error) {
	if _, ok := s.registry.Get(vendorID, productID); !ok {
		return nil, device.ErrNotFound
	}
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListRuns(ctx, device.Key{VendorID: vendorID, ProductID: productID}, limit)
}

// Refresh runs a single connectivity pass.
func (s *Service) Refresh(ctx context.Context) error {
	if s.poller != nil {
		return s.poller.RunOnce(ctx)
	}
	return poller.New(s.registry, s.link, poller.Config{}).RunOnce(ctx)
}

// Restore registers the devices persisted in the store and returns how many
// were loaded.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	records, err := s.store.LoadDevices(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		s.registry.Add(rec.VendorID, rec.ProductID)
	}
	log.Info().Int("devices", len(records)).Msg("restored registered devices")
	return len(records), nil
}
