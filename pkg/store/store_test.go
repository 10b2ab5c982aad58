package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Projects map[string]string `json:"projects"`
}

func TestReadMissingFileReturnsDefault(t *testing.T) {
	d := doc{Projects: map[string]string{}}

	err := Read(filepath.Join(t.TempDir(), "projects.json"), &d)
	require.NoError(t, err)
	assert.Empty(t, d.Projects)
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")

	require.NoError(t, Write(path, doc{Projects: map[string]string{"p1": "running"}}))

	var got doc
	require.NoError(t, Read(path, &got))
	assert.Equal(t, "running", got.Projects["p1"])
}

func TestWriteReplacesAndRemovesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")

	require.NoError(t, Write(path, doc{Projects: map[string]string{"p1": "a"}}))
	require.NoError(t, Write(path, doc{Projects: map[string]string{"p1": "b"}}))

	var got doc
	require.NoError(t, Read(path, &got))
	assert.Equal(t, "b", got.Projects["p1"])

	assert.False(t, Exists(path+".tmp"))
	assert.False(t, Exists(path+".bak"))
}

func TestReadMalformedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var got doc
	err := Read(path, &got)
	assert.True(t, apperr.HasCode(err, apperr.DecodeError))
}

// A leftover tmp file from an interrupted write must not shadow the real
// document: readers only ever see the path itself.
func TestStaleTmpFileIgnoredByRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")

	require.NoError(t, Write(path, doc{Projects: map[string]string{"p1": "stable"}}))
	require.NoError(t, os.WriteFile(path+".tmp", []byte(`{"projects":{"p1":"torn"}}`), 0o644))

	var got doc
	require.NoError(t, Read(path, &got))
	assert.Equal(t, "stable", got.Projects["p1"])
}

// A crash between the backup rename and the replace rename leaves only
// path.bak (plus possibly a torn tmp). Read must come back with the prior
// document and move the backup into place.
func TestReadRestoresBackupAfterInterruptedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	require.NoError(t, os.WriteFile(path+".bak", []byte(`{"projects":{"p1":"prior"}}`), 0o644))
	require.NoError(t, os.WriteFile(path+".tmp", []byte(`{"projects":{"p1":`), 0o644))

	var got doc
	require.NoError(t, Read(path, &got))
	assert.Equal(t, "prior", got.Projects["p1"])

	assert.True(t, Exists(path))
	assert.False(t, Exists(path+".bak"))

	var again doc
	require.NoError(t, Read(path, &again))
	assert.Equal(t, "prior", again.Projects["p1"])
}

func TestReadPrefersBackupOverCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(path+".bak", []byte(`{"projects":{"p1":"prior"}}`), 0o644))

	var got doc
	require.NoError(t, Read(path, &got))
	assert.Equal(t, "prior", got.Projects["p1"])
	assert.False(t, Exists(path+".bak"))
}

func TestRewriteWithoutChangesIsByteIdentical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	d := doc{Projects: map[string]string{"a": "1", "b": "2"}}

	require.NoError(t, Write(path, d))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	var reread doc
	require.NoError(t, Read(path, &reread))
	require.NoError(t, Write(path, reread))

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	assert.False(t, Exists(path))
	require.NoError(t, Write(path, doc{}))
	assert.True(t, Exists(path))
}
