package alanfs_test

import (
	"errors"
	"syscall"
	"testing"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/stretchr/testify/assert"
)

func TestDiskoErrorWithMessage(t *testing.T) {
	newErr := alanfs.ErrNameTooLong.WithMessage("/a/very/long/path")
	assert.Equal(
		t, "file name too long: /a/very/long/path", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, alanfs.ErrNameTooLong)
}

func TestDiskoErrorWrap(t *testing.T) {
	originalErr := errors.New("short read")
	newErr := alanfs.ErrIOFailed.Wrap(originalErr)
	expectedMessage := "input/output error: short read"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as cause")
	assert.ErrorIs(t, newErr, alanfs.ErrIOFailed, "DiskoError sentinel not preserved")
}

func TestDiskoErrorErrno(t *testing.T) {
	assert.Equal(t, syscall.ENOSPC, alanfs.ErrNoSpace.Errno())
	assert.Equal(t, syscall.ENOENT, alanfs.ErrNotFound.WithMessage("/x").Errno())
}
