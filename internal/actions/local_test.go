package actions

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidal/stepwise/internal/handlers"
	"github.com/nvidal/stepwise/pkg/schema"
)

func execute(t *testing.T, c *LocalCollaborator, nodeType string, params map[string]string) handlers.ActionResult {
	t.Helper()
	res, err := c.Execute(context.Background(), handlers.ActionRequest{
		NodeID:   "n1",
		NodeType: nodeType,
		Params:   params,
	})
	require.NoError(t, err)
	return res
}

func TestReadFileText(t *testing.T) {
	c := NewLocalCollaborator()
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	res := execute(t, c, "readFile", map[string]string{"path": path})
	assert.Equal(t, "hello", res.Value)
}

func TestReadFileBinaryIsBase64(t *testing.T) {
	c := NewLocalCollaborator()
	path := filepath.Join(t.TempDir(), "blob.bin")
	raw := []byte{0x00, 0x01, 0xff, 0x00}
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	res := execute(t, c, "readFile", map[string]string{"path": path})
	decoded, err := base64.StdEncoding.DecodeString(res.Value)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestReadFileRespectsMaxReadSize(t *testing.T) {
	c := &LocalCollaborator{MaxReadSize: 4}
	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	res := execute(t, c, "readFile", map[string]string{"path": path})
	assert.Equal(t, "0123", res.Value)
}

func TestReadFileMissingPathParam(t *testing.T) {
	c := NewLocalCollaborator()
	_, err := c.Execute(context.Background(), handlers.ActionRequest{
		NodeType: "readFile",
		Params:   map[string]string{},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestWriteFileCreatesDirs(t *testing.T) {
	c := NewLocalCollaborator()
	path := filepath.Join(t.TempDir(), "a", "b", "out.txt")

	res := execute(t, c, "writeFile", map[string]string{
		"path":       path,
		"content":    "written",
		"createDirs": "true",
	})
	assert.Equal(t, path, res.Value)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestWriteFileMissingContent(t *testing.T) {
	c := NewLocalCollaborator()
	_, err := c.Execute(context.Background(), handlers.ActionRequest{
		NodeType: "writeFile",
		Params:   map[string]string{"path": filepath.Join(t.TempDir(), "x")},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestListDirectoryWithPattern(t *testing.T) {
	c := NewLocalCollaborator()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644))

	res := execute(t, c, "listDirectory", map[string]string{
		"path":    dir,
		"pattern": "*.json",
	})

	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Value), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "a.json", entries[0]["name"])
	assert.Equal(t, false, entries[0]["is_dir"])
}

func TestListDirectoryEmptyIsJSONArray(t *testing.T) {
	c := NewLocalCollaborator()
	res := execute(t, c, "listDirectory", map[string]string{"path": t.TempDir()})
	assert.Equal(t, "[]", res.Value)
}

func TestExecuteCommandCapturesStdout(t *testing.T) {
	c := NewLocalCollaborator()
	res := execute(t, c, "executeCommand", map[string]string{"command": "printf 'out\\n'"})
	assert.Equal(t, "out", res.Value)
}

func TestExecuteCommandNonZeroExitFails(t *testing.T) {
	c := NewLocalCollaborator()
	_, err := c.Execute(context.Background(), handlers.ActionRequest{
		NodeType: "executeCommand",
		Params:   map[string]string{"command": "printf 'boom' >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandler, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Contains(t, err.Error(), "boom")
}

func TestExecuteCommandHonorsCwd(t *testing.T) {
	c := NewLocalCollaborator()
	dir := t.TempDir()
	res := execute(t, c, "executeCommand", map[string]string{
		"command": "pwd",
		"cwd":     dir,
	})
	assert.Equal(t, dir, res.Value)
}

func TestExecuteCommandTimeout(t *testing.T) {
	c := &LocalCollaborator{CommandTimeout: 50 * time.Millisecond}
	_, err := c.Execute(context.Background(), handlers.ActionRequest{
		NodeType: "executeCommand",
		Params:   map[string]string{"command": "sleep 5"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "killed")
}

func TestUnimplementedTypeFallsBack(t *testing.T) {
	called := false
	c := &LocalCollaborator{
		Fallback: handlers.CollaboratorFunc(func(_ context.Context, req handlers.ActionRequest) (handlers.ActionResult, error) {
			called = true
			assert.Equal(t, "click", req.NodeType)
			return handlers.ActionResult{Value: "acked"}, nil
		}),
	}
	res := execute(t, c, "click", nil)
	assert.True(t, called)
	assert.Equal(t, "acked", res.Value)
}

func TestUnimplementedTypeWithoutFallbackFails(t *testing.T) {
	c := &LocalCollaborator{}
	_, err := c.Execute(context.Background(), handlers.ActionRequest{NodeType: "screenshot"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandler, schema.CodeOf(err))
}

func TestLimitedWriterReportsFullLength(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 3}

	n, err := lw.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abc", buf.String())

	n, err = lw.Write([]byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", buf.String())
}
