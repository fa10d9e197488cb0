package service

import (
	"errors"
	"fmt"

	"pcdattach/internal/models"
)

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument     = 1000
	ErrCodeUnsupportedFileType = 1101
	ErrCodeSizeExceeded        = 1102
	ErrCodeEmptyFile           = 1103

	// Domain state (2xxx)
	ErrCodeOwnerNotFound       = 2001
	ErrCodeAttachmentNotFound  = 2003
	ErrCodeDuplicateAttachment = 2101
	ErrCodeNoOpTransfer        = 2102

	// Internal/system (4xxx)
	ErrCodeInternal             = 4001
	ErrCodeStoreFailure         = 4002
	ErrCodeTransferInconsistent = 4101
)

// Category groups error codes by how a caller should react.
type Category string

const (
	CategoryValidation  Category = "invalid_argument"
	CategoryNotFound    Category = "not_found"
	CategoryConflict    Category = "conflict"
	CategoryConsistency Category = "consistency"
	CategoryInternal    Category = "internal"
)

var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnsupportedFileType  = errors.New("unsupported file type")
	ErrSizeExceeded         = errors.New("file size exceeded")
	ErrEmptyFile            = errors.New("file is empty")
	ErrOwnerNotFound        = errors.New("owner not found")
	ErrAttachmentNotFound   = errors.New("attachment not found")
	ErrDuplicateAttachment  = errors.New("duplicate attachment")
	ErrNoOpTransfer         = errors.New("attachment already belongs to target owner")
	ErrTransferInconsistent = errors.New("transfer left owner collections inconsistent")
)

// Error is the typed error returned by the service. It unwraps to one of the
// package sentinels so callers can use errors.Is.
type Error struct {
	category Category
	errCode  int
	err      error
}

func (e *Error) Error() string {
	if e.err == nil {
		return string(e.category)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Category returns the error's category.
func (e *Error) Category() Category {
	return e.category
}

// Code returns the numeric error code.
func (e *Error) Code() int {
	return e.errCode
}

// TransferInconsistentError reports a transfer whose post-commit verification
// still failed after the corrective retry.
type TransferInconsistentError struct {
	AttachmentID string
	Source       models.OwnerRef
	Target       models.OwnerRef
	Detail       string
}

func (e *TransferInconsistentError) Error() string {
	msg := fmt.Sprintf("transfer of %s from %s to %s left collections inconsistent", e.AttachmentID, e.Source, e.Target)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransferInconsistentError) Unwrap() error {
	return ErrTransferInconsistent
}

// ErrorCode returns the numeric code carried by err, or ErrCodeInternal.
func ErrorCode(err error) int {
	var svcErr *Error
	if errors.As(err, &svcErr) && svcErr.errCode > 0 {
		return svcErr.errCode
	}
	return ErrCodeInternal
}

// ErrorCategory returns the category carried by err, or CategoryInternal.
func ErrorCategory(err error) Category {
	var svcErr *Error
	if errors.As(err, &svcErr) && svcErr.category != "" {
		return svcErr.category
	}
	return CategoryInternal
}

func makeError(category Category, errCode int, err error) error {
	if err == nil {
		err = errors.New(string(category))
	}

	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	return &Error{category: category, errCode: errCode, err: err}
}

func invalidArgument(err error) error {
	return makeError(CategoryValidation, ErrCodeInvalidArgument, fmt.Errorf("%w: %w", ErrInvalidArgument, err))
}

func validationCode(sentinel error, errCode int, format string, args ...any) error {
	return makeError(CategoryValidation, errCode, fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}

func ownerNotFound(ref models.OwnerRef) error {
	return makeError(CategoryNotFound, ErrCodeOwnerNotFound, fmt.Errorf("%w: %s", ErrOwnerNotFound, ref))
}

func attachmentNotFound(id string) error {
	return makeError(CategoryNotFound, ErrCodeAttachmentNotFound, fmt.Errorf("%w: %s", ErrAttachmentNotFound, id))
}

func duplicateAttachment(path string, ref models.OwnerRef) error {
	return makeError(CategoryConflict, ErrCodeDuplicateAttachment, fmt.Errorf("%w: %s already holds %s", ErrDuplicateAttachment, ref, path))
}

func noOpTransfer(id string, ref models.OwnerRef) error {
	return makeError(CategoryConflict, ErrCodeNoOpTransfer, fmt.Errorf("%w: %s is owned by %s", ErrNoOpTransfer, id, ref))
}

func transferInconsistent(e *TransferInconsistentError) error {
	return makeError(CategoryConsistency, ErrCodeTransferInconsistent, e)
}

func internalError(err error) error {
	return makeError(CategoryInternal, ErrCodeInternal, err)
}

// storeFailure wraps a persistence error unless it already is a service error.
func storeFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return makeError(CategoryInternal, ErrCodeStoreFailure, fmt.Errorf("%s: %w", op, err))
}
