package transfer

import (
	"errors"
	"fmt"

	"github.com/BioHazard786/warplink/internal/peer"
	"github.com/BioHazard786/warplink/internal/signaling"
)

var (
	ErrNotReady           = errors.New("transfer session not connected")
	ErrSizeMismatch       = errors.New("received size does not match the declared size")
	ErrWrongRole          = errors.New("operation not valid for this session role")
	ErrClosed             = errors.New("transfer session closed")
	ErrBadFrame           = errors.New("malformed data frame")
	ErrTransferInProgress = errors.New("a file is already being sent")

	// Failure kinds raised by the lower layers, re-exported for callers that
	// only import this package.
	ErrSignalingUnavailable = signaling.ErrSignalingUnavailable
	ErrNegotiationFailed    = peer.ErrNegotiationFailed
	ErrNotConnected         = peer.ErrNotConnected
)

type TransferError struct {
	Op      string
	File    string
	Err     error
	Details string
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.File != "" {
		msg = fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *TransferError {
	return &TransferError{Op: op, Err: err}
}

func NewFileError(op, file string, err error) *TransferError {
	return &TransferError{Op: op, File: file, Err: err}
}

func WrapError(op string, err error, details string) *TransferError {
	return &TransferError{Op: op, Err: err, Details: details}
}
