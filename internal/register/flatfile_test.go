package register

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drawbridge-io/chatbroker/internal/errs"
)

func newTestRepo(t *testing.T) *FileRepository {
	t.Helper()
	return NewFileRepository(filepath.Join(t.TempDir(), "register.dat"))
}

func TestFileRepositoryRegisterAndLookup(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Register("John", "john@a.com"))

	email, err := repo.Lookup("John")
	require.NoError(t, err)
	require.Equal(t, "john@a.com", email)
}

func TestFileRepositoryRegisterConflict(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Register("John", "john@a.com"))
	require.ErrorIs(t, repo.Register("John", "other@a.com"), errs.ErrAlreadyDefined)
}

func TestFileRepositoryLookupMissingUser(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Lookup("nobody")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFileRepositoryRejectsInvalidUsername(t *testing.T) {
	repo := newTestRepo(t)
	require.ErrorIs(t, repo.Register("john;doe", "john@a.com"), errs.ErrInvalidArgument)
	require.ErrorIs(t, repo.Register("", "john@a.com"), errs.ErrInvalidArgument)
}

func TestFileRepositoryRejectsInvalidEmail(t *testing.T) {
	repo := newTestRepo(t)
	require.ErrorIs(t, repo.Register("john", "not-an-email"), errs.ErrInvalidArgument)
	require.ErrorIs(t, repo.Register("john", "john@a"), errs.ErrInvalidArgument)
}

func TestFileRepositoryEnforcesMaxRecords(t *testing.T) {
	repo := newTestRepo(t)

	for i := 0; i < MaxRecords; i++ {
		require.NoError(t, repo.Register("user"+strconv.Itoa(i), "user"+strconv.Itoa(i)+"@a.com"))
	}

	err := repo.Register("oneTooMany", "one@a.com")
	require.ErrorIs(t, err, ErrOverloaded)
}
