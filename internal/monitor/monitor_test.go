package monitor

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckWarnsAboveLimit(t *testing.T) {
	readings := []float64{40, 75, 60}
	i := 0
	m := WithSampler(70, func() (Sample, error) {
		p := readings[i]
		i++
		return Sample{RSS: uint64(p) << 20, Total: 100 << 20, Percent: p}, nil
	})

	_, over := m.Check("extract")
	assert.False(t, over)
	s, over := m.Check("extract")
	assert.True(t, over)
	assert.Equal(t, 75.0, s.Percent)
	_, over = m.Check("load")
	assert.False(t, over)

	assert.Equal(t, 1, m.Warnings())
	assert.Equal(t, 75.0, m.Peak())
}

func TestCheckDisablesOnSamplerError(t *testing.T) {
	calls := 0
	m := WithSampler(70, func() (Sample, error) {
		calls++
		return Sample{}, errors.New("no procfs")
	})
	_, over := m.Check("extract")
	assert.False(t, over)
	m.Check("extract")
	assert.Equal(t, 1, calls)
}

func TestProcSample(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is linux only")
	}
	s, err := procSample()
	require.NoError(t, err)
	assert.Positive(t, s.RSS)
	assert.Greater(t, s.Total, s.RSS)
	assert.Greater(t, s.Percent, 0.0)
}
