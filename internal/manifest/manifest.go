package manifest

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultBackupLocation is written into new manifests as the on-device
// config directory.
const DefaultBackupLocation = "/sdcard/Documents/BackupConfig"

// DefaultPath is where the manifest lives on the device.
const DefaultPath = DefaultBackupLocation + "/phone_info.json"

// ErrInvalid marks a manifest that parsed but lacks identity fields.
var ErrInvalid = errors.New("manifest: invalid")

// Folder maps one remote source directory to a path relative to the local
// backup root.
type Folder struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Manifest is the per-device descriptor stored on the phone.
type Manifest struct {
	PhoneID        string   `json:"phone_id"`
	PhoneName      string   `json:"phone_name"`
	BackupLocation string   `json:"backup_location"`
	ImageFilename  string   `json:"image_filename"`
	Folders        []Folder `json:"folders_to_backup"`
}

// New builds a manifest for a freshly registered phone with a random phone_id.
func New(name, imageFilename string, folders []Folder) Manifest {
	if folders == nil {
		folders = []Folder{}
	}
	return Manifest{
		PhoneID:        uuid.NewString(),
		PhoneName:      strings.TrimSpace(name),
		BackupLocation: DefaultBackupLocation,
		ImageFilename:  strings.TrimSpace(imageFilename),
		Folders:        folders,
	}
}

// Parse decodes raw manifest bytes. It does not check identity fields; use
// Validate for that.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if len(bytes.TrimSpace(data)) == 0 {
		return m, errors.Wrap(ErrInvalid, "empty manifest")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.Wrap(err, "decode manifest")
	}
	return m, nil
}

// Validate reports whether the manifest can identify a device.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.PhoneID) == "" {
		return errors.Wrap(ErrInvalid, "phone_id is empty")
	}
	if strings.TrimSpace(m.PhoneName) == "" {
		return errors.Wrap(ErrInvalid, "phone_name is empty")
	}
	return nil
}

// Encode renders the manifest as 4-space indented JSON.
func (m Manifest) Encode() ([]byte, error) {
	if m.Folders == nil {
		m.Folders = []Folder{}
	}
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}
	return data, nil
}
