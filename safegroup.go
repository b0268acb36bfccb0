package backupagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	restartBackoff    = 200 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// SafeGroup runs long-lived agent workers (poller, scheduler, http server)
// on top of errgroup.WithContext. A worker that panics is restarted with
// exponential backoff; a worker that returns an error cancels its siblings.
type SafeGroup struct {
	group  *errgroup.Group
	ctx    context.Context
	parent context.Context
}

// NewSafeGroup derives the group context from ctx.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{group: group, ctx: groupCtx, parent: ctx}
}

// Go starts fn under name. Panics go to stderr rather than the logger since
// the logger itself may be what panicked.
func (sg *SafeGroup) Go(name string, fn func(context.Context) error) {
	if sg == nil || fn == nil {
		return
	}
	sg.group.Go(func() error {
		backoff := restartBackoff
		for {
			if sg.ctx.Err() != nil {
				return nil
			}
			recovered, err := runRecovering(sg.ctx, fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n", name, recovered)

			timer := time.NewTimer(backoff + jitter(backoff/2))
			select {
			case <-sg.ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff = min(backoff*2, maxRestartBackoff)
		}
	})
}

func runRecovering(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = fmt.Sprintf("%v\n%s", r, debug.Stack())
		}
	}()
	return nil, fn(ctx)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(limit))
}

// Wait blocks until every worker returned. Once the parent context is done it
// waits at most grace before returning the parent's error.
func (sg *SafeGroup) Wait(grace time.Duration) error {
	if sg == nil {
		return nil
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- sg.group.Wait() }()

	select {
	case err := <-waitCh:
		return sg.normalize(err)
	case <-sg.parent.Done():
	}
	if grace <= 0 {
		return sg.parent.Err()
	}
	select {
	case err := <-waitCh:
		return sg.normalize(err)
	case <-time.After(grace):
		return sg.parent.Err()
	}
}

// normalize keeps worker failures distinct from a plain shutdown.
func (sg *SafeGroup) normalize(err error) error {
	if err == nil {
		return nil
	}
	if perr := sg.parent.Err(); perr != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return perr
	}
	return err
}
