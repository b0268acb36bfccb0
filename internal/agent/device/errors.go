package device

import (
	"github.com/pkg/errors"
)

var (
	ErrTransport      = errors.New("device link transport failed")
	ErrIdentification = errors.New("device identification failed")
	ErrOffline        = errors.New("device is offline")
	ErrNotIdentified  = errors.New("device is not identified")
	ErrBackupRunning  = errors.New("backup already running")
	ErrNotFound       = errors.New("device not registered")
)

// TransportError 包装 Link 调用失败，可用 errors.Is(err, ErrTransport) 判断。
type TransportError struct {
	Op     string
	Serial string
	Err    error
}

func (e *TransportError) Error() string {
	return "link " + e.Op + " " + e.Serial + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func transportErr(op, serial string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Serial: serial, Err: err}
}
