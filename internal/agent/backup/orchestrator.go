package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/httprunner/BackupAgent/internal/manifest"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const aliasDirName = "by-name"

// Result 描述一次备份运行的最终结果。
type Result struct {
	RunID       string             `json:"run_id"`
	Key         device.Key         `json:"device"`
	PhoneID     string             `json:"phone_id,omitempty"`
	DisplayName string             `json:"display_name,omitempty"`
	LocalRoot   string             `json:"local_root,omitempty"`
	State       device.BackupState `json:"state"`
	Counts      device.Counts      `json:"counts"`
	Progress    float64            `json:"progress"`
	Error       string             `json:"error,omitempty"`
	StartAt     time.Time          `json:"started_at"`
	EndAt       time.Time          `json:"finished_at"`
}

// Recorder 持久化备份运行结果。
type Recorder interface {
	RecordRun(ctx context.Context, res Result) error
}

// Config 控制备份行为。
type Config struct {
	// Root 是本地备份根目录，每台设备的数据落在 Root/<phone_id> 下。
	Root     string
	Recorder Recorder
}

// Orchestrator 为每台设备启动并跟踪独立的备份任务，同一设备同一时刻至多一个任务。
// 任务按 *device.Device 句柄登记：设备被移除后重新添加得到新句柄，
// 不会被旧句柄上尚在收尾的任务阻塞。
type Orchestrator struct {
	link device.Link
	cfg  Config

	mu    sync.Mutex
	tasks map[*device.Device]*task
	wg    sync.WaitGroup
}

type task struct {
	runID   string
	cancel  context.CancelFunc
	done    chan struct{}
	startAt time.Time
}

// New 构建备份编排器。
func New(link device.Link, cfg Config) (*Orchestrator, error) {
	if link == nil {
		return nil, errors.New("backup: link cannot be nil")
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("backup: root directory cannot be empty")
	}
	return &Orchestrator{
		link:  link,
		cfg:   cfg,
		tasks: make(map[*device.Device]*task),
	}, nil
}

// Trigger 在后台启动一次备份并立即返回运行 ID。
// 请求方的 ctx 取消不会中断备份，使用 Cancel 终止。
func (o *Orchestrator) Trigger(ctx context.Context, dev *device.Device) (string, error) {
	t, runCtx, err := o.start(context.WithoutCancel(ctx), dev)
	if err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(runCtx, dev, t)
	}()
	return t.runID, nil
}

// Run 在当前 goroutine 中同步执行一次备份。
func (o *Orchestrator) Run(ctx context.Context, dev *device.Device) (Result, error) {
	t, runCtx, err := o.start(ctx, dev)
	if err != nil {
		return Result{}, err
	}
	return o.execute(runCtx, dev, t), nil
}

func (o *Orchestrator) start(ctx context.Context, dev *device.Device) (*task, context.Context, error) {
	if dev == nil {
		return nil, nil, device.ErrNotFound
	}
	snap := dev.Snapshot()
	if !snap.Identified {
		return nil, nil, device.ErrNotIdentified
	}
	if snap.Connection != device.Online {
		return nil, nil, device.ErrOffline
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tasks[dev]; ok {
		return nil, nil, device.ErrBackupRunning
	}
	runID := uuid.NewString()
	if err := dev.BeginBackup(runID); err != nil {
		return nil, nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	t := &task{
		runID:   runID,
		cancel:  cancel,
		done:    make(chan struct{}),
		startAt: time.Now(),
	}
	o.tasks[dev] = t
	return t, runCtx, nil
}

// Cancel 请求取消设备当前的备份，返回是否存在运行中的任务。
func (o *Orchestrator) Cancel(dev *device.Device) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[dev]
	if !ok {
		return false
	}
	t.cancel()
	log.Info().Str("device", dev.Key().String()).Str("run_id", t.runID).Msg("backup cancellation requested")
	return true
}

// CancelAll 取消所有运行中的备份。
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.tasks {
		t.cancel()
	}
}

// Running 报告设备是否有运行中的备份。
func (o *Orchestrator) Running(dev *device.Device) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tasks[dev]
	return ok
}

// Done 返回设备当前任务的完成通道，无任务时返回 nil。
func (o *Orchestrator) Done(dev *device.Device) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[dev]; ok {
		return t.done
	}
	return nil
}

// Wait 等待所有后台备份结束。
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) execute(ctx context.Context, dev *device.Device, t *task) Result {
	key := dev.Key()
	res := o.backup(ctx, dev, t)
	res.EndAt = time.Now()

	dev.FinishBackup(t.runID, res.State, res.Error)
	res.Progress = dev.Snapshot().Progress

	o.mu.Lock()
	if cur, ok := o.tasks[dev]; ok && cur == t {
		delete(o.tasks, dev)
	}
	o.mu.Unlock()
	t.cancel()
	close(t.done)

	event := log.Info()
	if res.State == device.BackupError || res.State == device.BackupPartialSuccess {
		event = log.Warn()
	}
	event.
		Str("device", key.String()).
		Str("run_id", res.RunID).
		Str("state", string(res.State)).
		Int("folders", res.Counts.Total).
		Int("succeeded", res.Counts.Succeeded).
		Int("failed", res.Counts.Failed).
		Dur("elapsed", res.EndAt.Sub(res.StartAt)).
		Str("error", res.Error).
		Msg("device backup finished")

	if o.cfg.Recorder != nil {
		if err := o.cfg.Recorder.RecordRun(context.Background(), res); err != nil {
			log.Error().Err(err).Str("run_id", res.RunID).Msg("backup recorder failed")
		}
	}
	return res
}

func (o *Orchestrator) backup(ctx context.Context, dev *device.Device, t *task) Result {
	key := dev.Key()
	res := Result{RunID: t.runID, Key: key, StartAt: t.startAt, State: device.BackupError}
	fatal := func(err error) Result {
		res.State = device.BackupError
		res.Error = err.Error()
		return res
	}

	serial := dev.Serial()
	if serial == "" {
		return fatal(device.ErrOffline)
	}
	var raw []byte
	err := dev.WithLink(func() error {
		var pullErr error
		raw, pullErr = o.link.PullManifest(ctx, serial)
		return pullErr
	})
	if err != nil {
		return fatal(errors.Wrap(err, "pull manifest"))
	}
	m, err := manifest.Parse(raw)
	if err == nil {
		err = m.Validate()
	}
	if err != nil {
		return fatal(err)
	}
	res.PhoneID = m.PhoneID
	res.DisplayName = m.PhoneName

	root, err := o.prepareRoot(m)
	if err != nil {
		return fatal(err)
	}
	res.LocalRoot = root

	counts := device.Counts{Total: len(m.Folders)}
	log.Info().
		Str("device", key.String()).
		Str("serial", serial).
		Str("run_id", t.runID).
		Str("root", root).
		Int("folders", counts.Total).
		Msg("start device backup")

	for _, folder := range m.Folders {
		if ctx.Err() != nil {
			res.Counts = counts
			res.State = device.BackupCancelled
			res.Error = ctx.Err().Error()
			return res
		}
		copyErr := o.copyFolder(ctx, dev, serial, root, folder)
		if errors.Is(copyErr, errUnwritable) {
			res.Counts = counts
			return fatal(copyErr)
		}
		counts.Attempted++
		if copyErr != nil {
			counts.Failed++
			log.Error().
				Err(copyErr).
				Str("device", key.String()).
				Str("source", folder.Source).
				Str("destination", folder.Destination).
				Msg("backup folder copy failed")
		} else {
			counts.Succeeded++
		}
		dev.ReportProgress(t.runID, counts)
	}
	res.Counts = counts

	if ctx.Err() != nil && counts.Failed > 0 {
		res.State = device.BackupCancelled
		res.Error = ctx.Err().Error()
		return res
	}
	if counts.Failed > 0 {
		res.State = device.BackupPartialSuccess
		res.Error = fmt.Sprintf("%d of %d folders failed", counts.Failed, counts.Total)
		return res
	}
	res.State = device.BackupUpToDate
	return res
}

var errUnwritable = errors.New("local backup storage is not writable")

func (o *Orchestrator) copyFolder(ctx context.Context, dev *device.Device, serial, root string, folder manifest.Folder) error {
	source := strings.TrimSpace(folder.Source)
	if source == "" {
		return errors.New("folder source is empty")
	}
	dest := destinationPath(root, folder.Destination)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errors.Wrapf(errUnwritable, "create %s: %v", dest, err)
	}
	return dev.WithLink(func() error {
		return o.link.CopyRecursive(ctx, serial, source, dest)
	})
}

// destinationPath 将相对目标路径限制在 root 之内。
func destinationPath(root, destination string) string {
	rel := filepath.Clean(string(filepath.Separator) + strings.TrimSpace(destination))
	return filepath.Join(root, rel)
}

func (o *Orchestrator) prepareRoot(m manifest.Manifest) (string, error) {
	id := safeName(m.PhoneID)
	if id == "" {
		return "", errors.Errorf("phone_id %q cannot name a backup directory", m.PhoneID)
	}
	root := filepath.Join(o.cfg.Root, id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", errors.Wrapf(errUnwritable, "create %s: %v", root, err)
	}
	o.linkAlias(root, m.PhoneName)
	return root, nil
}

// linkAlias 维护 Root/by-name/<名称> 软链接；名称冲突时只记录告警。
func (o *Orchestrator) linkAlias(root, name string) {
	name = safeName(name)
	if name == "" {
		return
	}
	aliasDir := filepath.Join(o.cfg.Root, aliasDirName)
	if err := os.MkdirAll(aliasDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", aliasDir).Msg("create backup alias dir failed")
		return
	}
	alias := filepath.Join(aliasDir, name)
	target, err := os.Readlink(alias)
	switch {
	case err == nil && target == root:
		return
	case err == nil:
		log.Warn().Str("alias", alias).Str("existing", target).Str("root", root).Msg("backup alias already used by another device")
		return
	case !os.IsNotExist(err):
		log.Warn().Err(err).Str("alias", alias).Msg("inspect backup alias failed")
		return
	}
	if err := os.Symlink(root, alias); err != nil {
		log.Warn().Err(err).Str("alias", alias).Msg("create backup alias failed")
	}
}

func safeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}
