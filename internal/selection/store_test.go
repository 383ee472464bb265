package selection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kseschedule/internal/model"
)

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state", "selection"))
	require.NoError(t, err)
	assert.Empty(t, s.Get())
}

func TestSetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "selection")

	s, err := Open(path)
	require.NoError(t, err)

	got, err := s.Set(model.GroupSelection{3, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, model.GroupSelection{3, 1}, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "3,1\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, model.GroupSelection{3, 1}, reopened.Get())
}

func TestToggle(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "selection"))
	require.NoError(t, err)

	sel, err := s.Toggle(9)
	require.NoError(t, err)
	assert.Equal(t, model.GroupSelection{9}, sel)

	sel, err = s.Toggle(4)
	require.NoError(t, err)
	assert.Equal(t, model.GroupSelection{9, 4}, sel)

	sel, err = s.Toggle(9)
	require.NoError(t, err)
	assert.Equal(t, model.GroupSelection{4}, sel)
}

func TestOpenToleratesJunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selection")
	require.NoError(t, os.WriteFile(path, []byte("5,x,,8\n"), 0o600))

	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, model.GroupSelection{5, 8}, s.Get())
}

func TestGetReturnsCopy(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	_, err = s.Set(model.GroupSelection{1, 2})
	require.NoError(t, err)

	got := s.Get()
	got[0] = 99
	assert.Equal(t, model.GroupSelection{1, 2}, s.Get())
}
