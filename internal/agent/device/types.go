package device

import (
	"context"
	"fmt"
	"time"
)

// Key 唯一标识一台注册设备（USB vendor/product ID）。
type Key struct {
	VendorID  int `json:"vendor_id"`
	ProductID int `json:"product_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.VendorID, k.ProductID)
}

// ConnectionState 描述设备连接状态。
type ConnectionState string

const (
	Offline ConnectionState = "offline"
	Online  ConnectionState = "online"
)

// BackupState 描述设备备份状态。
type BackupState string

const (
	BackupUnknown        BackupState = "unknown"
	BackupNeeded         BackupState = "needs_backup"
	BackupRunning        BackupState = "backing_up"
	BackupUpToDate       BackupState = "up_to_date"
	BackupPartialSuccess BackupState = "partial_success"
	BackupCancelled      BackupState = "cancelled"
	BackupError          BackupState = "error"
)

// Connection 是 Link 枚举到的一条已连接设备记录。
type Connection struct {
	Serial    string
	VendorID  int
	ProductID int
}

// Key 返回连接对应的注册键。
func (c Connection) Key() Key {
	return Key{VendorID: c.VendorID, ProductID: c.ProductID}
}

// Link 对单台物理设备执行命令与小文件交换，所有调用均为阻塞调用。
type Link interface {
	ListConnected(ctx context.Context) ([]Connection, error)
	ManifestExists(ctx context.Context, serial string) (bool, error)
	PullManifest(ctx context.Context, serial string) ([]byte, error)
	PushManifest(ctx context.Context, serial string, data []byte) error
	CopyRecursive(ctx context.Context, serial, remotePath, localPath string) error
}

// Counts 记录一次备份运行中的目录计数。
type Counts struct {
	Total     int `json:"total"`
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Snapshot 是设备状态的值拷贝，可在锁外安全读取。
type Snapshot struct {
	Key
	Serial        string          `json:"serial,omitempty"`
	PhoneID       string          `json:"phone_id,omitempty"`
	DisplayName   string          `json:"display_name,omitempty"`
	ImageFilename string          `json:"image_filename,omitempty"`
	Identified    bool            `json:"identified"`
	Connection    ConnectionState `json:"connection"`
	Backup        BackupState     `json:"backup_state"`
	Progress      float64         `json:"backup_progress"`
	Counts        Counts          `json:"backup_counts"`
	BackupActive  bool            `json:"backup_active"`
	RunID         string          `json:"run_id,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastBackupAt  time.Time       `json:"last_backup_at,omitempty"`
}

// Change 汇总一次刷新带来的状态变化。
type Change struct {
	Connected    bool
	Disconnected bool
	Identified   bool
	// Orphaned 表示设备在备份运行期间断开，备份字段仍归运行中的任务所有。
	Orphaned bool
}
