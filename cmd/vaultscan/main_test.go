package main

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const request = `{
  "topic": "avscan.action.scan",
  "originator": "submission-api",
  "timestamp": "2026-10-19T10:00:00.000Z",
  "mime-type": "application/json",
  "payload": {
    "submissionId": "a12a4180-65aa-42ec-a945-5fd21dec0501",
    "url": "https://s3.amazonaws.com/dmz/file.zip",
    "fileName": "file.zip",
    "status": "unscanned",
    "uploadType": "submission"
  }
}`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("VAULTSCAN_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("VAULTSCAN_UPLOAD_TYPES_FILE", "")
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", writeFile(t, "req.json", []byte(request)))
	require.NoError(t, err)
	assert.Contains(t, out, "valid submission request for https://s3.amazonaws.com/dmz/file.zip")

	_, err = execute(t, "validate", writeFile(t, "bad.json", []byte(`{"payload":{}}`)))
	assert.Error(t, err)
}

func TestValidateCommandUnknownUploadType(t *testing.T) {
	body := bytes.Replace([]byte(request), []byte(`"uploadType": "submission"`), []byte(`"uploadType": "avatar"`), 1)
	body = bytes.Replace(body, []byte(`"submissionId": "a12a4180-65aa-42ec-a945-5fd21dec0501",`), nil, 1)
	_, err := execute(t, "validate", writeFile(t, "req.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown upload type "avatar"`)
}

func TestBombCheckCommand(t *testing.T) {
	var clean bytes.Buffer
	zw := zip.NewWriter(&clean)
	w, err := zw.Create("readme.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, err := execute(t, "bombcheck", writeFile(t, "clean.zip", clean.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	var bomb bytes.Buffer
	zw = zip.NewWriter(&bomb)
	for _, name := range []string{"a", "b", "c"} {
		_, err := zw.Create(name)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	out, err = execute(t, "bombcheck", "--max-entries", "2", writeFile(t, "many.zip", bomb.Bytes()))
	require.ErrorIs(t, err, errBomb)
	assert.Contains(t, out, "ZIP_BOMB_ENTRIES")
}

func TestHistoryRequiresDatabase(t *testing.T) {
	t.Setenv("VAULTSCAN_DATABASE_URL", "")
	_, err := execute(t, "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAULTSCAN_DATABASE_URL")
}
