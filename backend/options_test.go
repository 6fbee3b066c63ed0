package backend

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestWithJobLeaseTimeout(t *testing.T) {
	timeout := 5 * time.Minute
	option := WithJobLeaseTimeout(timeout)

	opts := ApplyOptions(option)

	assert.Equal(t, timeout, opts.JobLeaseTimeout)
}

func TestWithClock(t *testing.T) {
	c := clock.NewMock()

	opts := ApplyOptions(WithClock(c))

	assert.Same(t, c, opts.Clock)
}

func TestApplyOptions_Defaults(t *testing.T) {
	opts := ApplyOptions(WithLogger(nil))

	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Metrics)
	assert.NotNil(t, opts.TracerProvider)
	assert.Equal(t, DefaultOptions.JobLeaseTimeout, opts.JobLeaseTimeout)
}
