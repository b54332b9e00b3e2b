package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	retryInterval = time.Millisecond

	calls := 0
	got, err := Retry(context.Background(), zerolog.Nop(), "db", time.Second, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "up", nil
	})
	require.NoError(t, err)
	require.Equal(t, "up", got)
	require.Equal(t, 3, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	retryInterval = time.Millisecond
	down := errors.New("connection refused")

	_, err := Retry(context.Background(), zerolog.Nop(), "db", 50*time.Millisecond, func() (int, error) {
		return 0, down
	})
	require.ErrorIs(t, err, down)
}
