package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/backend/test"
	"github.com/google/uuid"
)

func Test_SqliteBackend(t *testing.T) {
	test.BackendTest(t, func(options ...backend.BackendOption) backend.Backend {
		return NewInMemoryBackend(WithBackendOptions(options...))
	}, func(b backend.Backend) {
		b.Close()
	})
}

func Test_SqliteBackend_File(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	dir := t.TempDir()

	test.BackendTest(t, func(options ...backend.BackendOption) backend.Backend {
		return NewSqliteBackend(filepath.Join(dir, uuid.NewString()+".sqlite"), WithBackendOptions(options...))
	}, func(b backend.Backend) {
		b.Close()
	})
}
