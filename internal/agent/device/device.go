package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/BackupAgent/internal/manifest"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Device 保存一台注册设备的连接、身份与备份状态。
//
// mu 保护所有可变字段；cmdMu 串行化对同一物理设备的 Link 调用
// （adb 同一 serial 同一时刻只允许一条命令）。
type Device struct {
	key Key

	mu            sync.Mutex
	serial        string
	conn          ConnectionState
	phoneID       string
	displayName   string
	imageFilename string
	identified    bool
	backup        BackupState
	progress      float64
	counts        Counts
	backupActive  bool
	runID         string
	lastError     string
	lastBackupAt  time.Time

	cmdMu sync.Mutex
}

// New 返回一个未注册、离线且未识别的设备句柄。
func New(key Key) *Device {
	return &Device{
		key:    key,
		conn:   Offline,
		backup: BackupUnknown,
	}
}

// Key 返回设备注册键。
func (d *Device) Key() Key { return d.key }

// Snapshot 返回当前状态的拷贝。
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Key:           d.key,
		Serial:        d.serial,
		PhoneID:       d.phoneID,
		DisplayName:   d.displayName,
		ImageFilename: d.imageFilename,
		Identified:    d.identified,
		Connection:    d.conn,
		Backup:        d.backup,
		Progress:      d.progress,
		Counts:        d.counts,
		BackupActive:  d.backupActive,
		RunID:         d.runID,
		LastError:     d.lastError,
		LastBackupAt:  d.lastBackupAt,
	}
}

// Serial 返回最近一次连接分配的 serial，离线时为空。
func (d *Device) Serial() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serial
}

// RefreshConnectivity 通过 Link 查询连接列表并刷新本设备状态。
func (d *Device) RefreshConnectivity(ctx context.Context, link Link) (Change, error) {
	if link == nil {
		return Change{}, errors.New("device: link is nil")
	}
	conns, err := link.ListConnected(ctx)
	if err != nil {
		return Change{}, transportErr("list", "", err)
	}
	return d.Apply(ctx, link, conns)
}

// Apply 根据已枚举的连接刷新状态；未识别的在线设备会尝试拉取 manifest 完成识别。
// 识别失败只返回错误，不会部分写入身份字段。
func (d *Device) Apply(ctx context.Context, link Link, conns []Connection) (Change, error) {
	var change Change
	serial, found := d.match(conns)

	d.mu.Lock()
	if !found {
		if d.conn == Online {
			change.Disconnected = true
		}
		d.serial = ""
		d.conn = Offline
		if d.backupActive {
			change.Orphaned = change.Disconnected
		} else {
			d.backup = BackupUnknown
			d.progress = 0
			d.counts = Counts{}
		}
		d.mu.Unlock()
		return change, nil
	}
	if d.conn != Online {
		change.Connected = true
	}
	d.serial = serial
	d.conn = Online
	identified := d.identified
	d.mu.Unlock()

	if identified || link == nil {
		return change, nil
	}

	// 备份或推送占用命令通道时跳过本轮识别，避免阻塞轮询。
	if !d.cmdMu.TryLock() {
		log.Debug().Str("device", d.key.String()).Str("serial", serial).Msg("device link busy, skip identification")
		return change, nil
	}
	m, err := identify(ctx, link, serial)
	d.cmdMu.Unlock()
	if err != nil {
		return change, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.serial != serial {
		// 识别期间设备已断开或换了连接，结果作废。
		return change, nil
	}
	d.phoneID = strings.TrimSpace(m.PhoneID)
	d.displayName = strings.TrimSpace(m.PhoneName)
	d.imageFilename = strings.TrimSpace(m.ImageFilename)
	d.identified = true
	change.Identified = true
	return change, nil
}

func (d *Device) match(conns []Connection) (string, bool) {
	current := d.Serial()
	var first string
	found := false
	for _, c := range conns {
		serial := strings.TrimSpace(c.Serial)
		if serial == "" || c.Key() != d.key {
			continue
		}
		if serial == current {
			return serial, true
		}
		if !found {
			first = serial
			found = true
		}
	}
	return first, found
}

func identify(ctx context.Context, link Link, serial string) (manifest.Manifest, error) {
	exists, err := link.ManifestExists(ctx, serial)
	if err != nil {
		return manifest.Manifest{}, transportErr("check manifest", serial, err)
	}
	if !exists {
		return manifest.Manifest{}, errors.Wrapf(ErrIdentification, "manifest not found on %s", serial)
	}
	data, err := link.PullManifest(ctx, serial)
	if err != nil {
		return manifest.Manifest{}, transportErr("pull manifest", serial, err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return manifest.Manifest{}, errors.Wrapf(ErrIdentification, "%s: %v", serial, err)
	}
	if err := m.Validate(); err != nil {
		return manifest.Manifest{}, errors.Wrapf(ErrIdentification, "%s: %v", serial, err)
	}
	return m, nil
}

// PushManifest 将 manifest 写入设备，成功后设备身份即为该 manifest。
// 离线或 manifest 无效时不触碰设备。
func (d *Device) PushManifest(ctx context.Context, link Link, data []byte) error {
	m, err := manifest.Parse(data)
	if err == nil {
		err = m.Validate()
	}
	if err != nil {
		return err
	}
	serial := d.Serial()
	if serial == "" {
		return ErrOffline
	}
	err = d.WithLink(func() error {
		return transportErr("push manifest", serial, link.PushManifest(ctx, serial, data))
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.phoneID = strings.TrimSpace(m.PhoneID)
	d.displayName = strings.TrimSpace(m.PhoneName)
	d.imageFilename = strings.TrimSpace(m.ImageFilename)
	d.identified = true
	return nil
}

// WithLink 在设备命令锁内执行 fn。
func (d *Device) WithLink(fn func() error) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return fn()
}

// BeginBackup 为新一轮备份占有备份字段，进度重置为 0。
func (d *Device) BeginBackup(runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backupActive {
		return ErrBackupRunning
	}
	if !d.identified {
		return ErrNotIdentified
	}
	d.backupActive = true
	d.runID = runID
	d.backup = BackupRunning
	d.progress = 0
	d.counts = Counts{}
	d.lastError = ""
	return nil
}

// ReportProgress 更新本轮计数；进度在同一轮内单调不减。
func (d *Device) ReportProgress(runID string, counts Counts) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.backupActive || d.runID != runID {
		return
	}
	d.counts = counts
	if counts.Total <= 0 {
		return
	}
	p := float64(counts.Attempted) / float64(counts.Total) * 100
	if p > 100 {
		p = 100
	}
	if p > d.progress {
		d.progress = p
	}
}

// FinishBackup 写入终态并释放备份字段的所有权。
func (d *Device) FinishBackup(runID string, state BackupState, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.backupActive || d.runID != runID {
		return
	}
	d.backup = state
	if state == BackupUpToDate || state == BackupPartialSuccess {
		d.progress = 100
	}
	d.lastError = errMsg
	d.lastBackupAt = time.Now()
	d.backupActive = false
}

// MarkNeedsBackup 将已识别且空闲的设备标记为待备份。
func (d *Device) MarkNeedsBackup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.identified || d.backupActive {
		return false
	}
	d.backup = BackupNeeded
	return true
}
