package memory

import (
	"testing"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/backend/test"
)

func Test_MemoryBackend(t *testing.T) {
	test.BackendTest(t, func(options ...backend.BackendOption) backend.Backend {
		return NewMemoryBackend(options...)
	}, nil)
}
