package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("consume file: %w", Download("download delta file", "f1", base))

	assert.True(t, Is(err, KindDownload))
	assert.False(t, Is(err, KindApply))
	assert.Equal(t, KindDownload, KindOf(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "consume file: download: download delta file f1: connection refused", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("x")))
	assert.False(t, Is(nil, KindFetch))
}

func TestConflict(t *testing.T) {
	err := Conflict("task-1")
	assert.True(t, Is(err, KindConflict))
	assert.Contains(t, err.Error(), "task-1")
}
