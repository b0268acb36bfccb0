package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultInterval 是两轮刷新之间的默认间隔。
const DefaultInterval = 5 * time.Second

// ErrAlreadyRunning 表示轮询循环已在运行。
var ErrAlreadyRunning = errors.New("poller already running")

// Config 控制轮询行为。
type Config struct {
	Interval time.Duration
	// OnDisconnect 在设备于备份期间断开时回调，通常用于取消该设备的备份。
	OnDisconnect func(dev *device.Device)
}

// Poller 周期性刷新注册表中每台设备的连接与识别状态。
// 状态机：Stopped -> Running -> Stopped，可重复启动。
type Poller struct {
	registry *device.Registry
	link     device.Link
	cfg      Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New 构建轮询器。
func New(registry *device.Registry, link device.Link, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{registry: registry, link: link, cfg: cfg}
}

// Start 启动轮询循环；已在运行时返回 ErrAlreadyRunning。
func (p *Poller) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	if p.registry == nil || p.link == nil {
		return errors.New("poller: registry or link is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runningLocked() {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.loop(loopCtx, done)
	log.Info().Dur("interval", p.cfg.Interval).Msg("connectivity poller started")
	return nil
}

// Stop 通知循环退出并等待其结束；未运行时为空操作。
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	log.Info().Msg("connectivity poller stopped")
}

// Running 报告循环是否仍在运行。
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

func (p *Poller) runningLocked() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if err := p.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("connectivity poll failed")
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("connectivity poll failed")
			}
		}
	}
}

// RunOnce 执行一轮刷新。枚举失败时所有设备按离线处理并返回错误；
// 单台设备的失败只记录日志，不影响其他设备。
func (p *Poller) RunOnce(ctx context.Context) error {
	var listErr error
	conns, err := p.link.ListConnected(ctx)
	if err != nil {
		listErr = errors.Wrap(err, "list connected devices failed")
		conns = nil
	}
	for _, dev := range p.registry.List() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.refresh(ctx, dev, conns)
	}
	return listErr
}

func (p *Poller) refresh(ctx context.Context, dev *device.Device, conns []device.Connection) {
	key := dev.Key()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("device", key.String()).Str("panic", fmt.Sprint(r)).Msg("device refresh panicked")
		}
	}()

	change, err := dev.Apply(ctx, p.link, conns)
	if err != nil {
		log.Warn().Err(err).Str("device", key.String()).Msg("device identification failed")
	}
	if change.Connected {
		log.Info().Str("device", key.String()).Str("serial", dev.Serial()).Msg("device connected")
	}
	if change.Identified {
		snap := dev.Snapshot()
		log.Info().
			Str("device", key.String()).
			Str("phone_id", snap.PhoneID).
			Str("name", snap.DisplayName).
			Msg("device identified")
	}
	if change.Disconnected {
		log.Info().Str("device", key.String()).Msg("device disconnected")
	}
	if change.Orphaned {
		log.Warn().Str("device", key.String()).Msg("device disconnected during backup, requesting cancellation")
		if p.cfg.OnDisconnect != nil {
			p.cfg.OnDisconnect(dev)
		}
	}
}
