// The serr package defines the error codes returned by the process
// core. Each code maps onto the errno a syscall caller sees.
package serr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type Terror uint32

const (
	TErrNoError Terror = iota
	TErrMalformedImage
	TErrEntryOutOfBounds
	TErrRelocation
	TErrProtection
	TErrNotfound
	TErrNothingToRun
	TErrProvision
	TErrIO
	TErrInval
	TErrError
)

func (err Terror) String() string {
	switch err {
	case TErrNoError:
		return "no error"
	case TErrMalformedImage:
		return "malformed image"
	case TErrEntryOutOfBounds:
		return "entry out of bounds"
	case TErrRelocation:
		return "relocation error"
	case TErrProtection:
		return "protection error"
	case TErrNotfound:
		return "not found"
	case TErrNothingToRun:
		return "nothing to run"
	case TErrProvision:
		return "thread provisioning failed"
	case TErrIO:
		return "i/o error"
	case TErrInval:
		return "invalid argument"
	case TErrError:
		return "Error"
	default:
		return "unknown error"
	}
}

// Errno returns the errno reported to user code for err.
func (err Terror) Errno() unix.Errno {
	switch err {
	case TErrMalformedImage, TErrEntryOutOfBounds, TErrRelocation:
		return unix.ENOEXEC
	case TErrProtection:
		return unix.EACCES
	case TErrNotfound:
		return unix.ECHILD
	case TErrNothingToRun, TErrProvision:
		return unix.EAGAIN
	case TErrIO:
		return unix.EIO
	case TErrInval:
		return unix.EINVAL
	default:
		return unix.EPERM
	}
}

type Err struct {
	ErrCode Terror
	Obj     string
	Err     error
}

func NewErr(err Terror, obj interface{}) *Err {
	return &Err{
		ErrCode: err,
		Obj:     fmt.Sprintf("%v", obj),
		Err:     nil,
	}
}

func NewErrError(error error) *Err {
	return &Err{
		ErrCode: TErrError,
		Obj:     "",
		Err:     error,
	}
}

// NewErrWrap records the underlying cause of err.
func NewErrWrap(err Terror, obj interface{}, cause error) *Err {
	e := NewErr(err, obj)
	e.Err = cause
	return e
}

func (err *Err) Code() Terror {
	return err.ErrCode
}

func (err *Err) Unwrap() error {
	return err.Err
}

func (err *Err) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("{Err: %q Obj: %q (%v)}", err.ErrCode, err.Obj, err.Err)
	}
	return fmt.Sprintf("{Err: %q Obj: %q}", err.ErrCode, err.Obj)
}

func (err *Err) String() string {
	return err.Error()
}

func IsErrCode(error error, code Terror) bool {
	var err *Err
	if errors.As(error, &err) {
		return err.ErrCode == code
	}
	return false
}

func IsErrNotfound(error error) bool {
	return IsErrCode(error, TErrNotfound)
}

// Errno maps any error onto a negative errno, as returned to user code
// by a syscall.
func Errno(error error) int64 {
	if error == nil {
		return 0
	}
	var err *Err
	if errors.As(error, &err) {
		return -int64(err.ErrCode.Errno())
	}
	var errno unix.Errno
	if errors.As(error, &errno) {
		return -int64(errno)
	}
	return -int64(unix.EPERM)
}
