//go:build linux

package uring

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//TestProbe test IORING_REGISTER_PROBE
func TestProbe(t *testing.T) {
	ring := newTestRing(t, 4)
	defer ring.Close()

	probe, err := ring.Probe()
	if errors.Is(err, syscall.EINVAL) {
		t.Skip("Skipped, IORING_REGISTER_PROBE not supported")
	}
	require.NoError(t, err)

	assert.NotEqual(t, uint8(0), probe.lastOp)

	assert.True(t, probe.Supported(NopCode), "NOP not supported")
	assert.True(t, probe.Supported(TimeoutCode), "TIMEOUT not supported")
	assert.True(t, probe.Supported(AcceptCode), "ACCEPT not supported")
	assert.NotEqual(t, uint16(0), probe.GetOP(int(NopCode)).Flags&OpSupportedFlag)

	assert.False(t, probe.Supported(OpCode(255)))
}
