package sysinfo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in       time.Duration
		expected string
	}{
		{in: 0, expected: "0s"},
		{in: 59 * time.Second, expected: "59s"},
		{in: 3*time.Minute + 4*time.Second, expected: "3m4s"},
		{in: 2*time.Hour + 4*time.Second, expected: "2h0m4s"},
		{in: 26*time.Hour + 3*time.Minute + 4*time.Second, expected: "1d2h3m4s"},
		{in: -time.Second, expected: "0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatUptime(tt.in), tt.in.String())
	}
}

func TestHostSnapshot(t *testing.T) {
	snap, err := NewProvider(t.TempDir()).Snapshot(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.MemPercent, 0.0)
	assert.LessOrEqual(t, snap.DiskPercent, 100.0)
}
