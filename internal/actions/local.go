// Package actions provides a Collaborator that executes the file and shell
// action node types in-process. Desktop and browser node types have no local
// implementation and are delegated to a fallback.
package actions

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvidal/stepwise/internal/handlers"
	"github.com/nvidal/stepwise/pkg/schema"
)

const (
	defaultMaxReadSize   = 50 * 1024 * 1024
	defaultMaxOutputSize = 10 * 1024 * 1024
	defaultCmdTimeout    = 30 * time.Second
)

// LocalCollaborator implements the readFile, writeFile, listDirectory and
// executeCommand node types against the local filesystem and shell. Every
// other action node type goes to Fallback, or fails when none is set.
type LocalCollaborator struct {
	// MaxReadSize caps readFile results. Zero means the 50MB default.
	MaxReadSize int64
	// MaxOutputSize caps captured command output. Zero means the 10MB default.
	MaxOutputSize int64
	// CommandTimeout bounds executeCommand when the node config sets none.
	CommandTimeout time.Duration
	// Fallback handles node types this collaborator does not implement.
	Fallback handlers.Collaborator
}

// NewLocalCollaborator returns a LocalCollaborator with default limits that
// acknowledges unimplemented action types instead of failing them.
func NewLocalCollaborator() *LocalCollaborator {
	return &LocalCollaborator{Fallback: handlers.NoopCollaborator{}}
}

func (c *LocalCollaborator) Execute(ctx context.Context, req handlers.ActionRequest) (handlers.ActionResult, error) {
	switch req.NodeType {
	case "readFile":
		return c.readFile(req.Params)
	case "writeFile":
		return c.writeFile(req.Params)
	case "listDirectory":
		return c.listDirectory(req.Params)
	case "executeCommand":
		return c.executeCommand(ctx, req.Params)
	}
	if c.Fallback == nil {
		return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
			"action type %q has no local implementation", req.NodeType)
	}
	return c.Fallback.Execute(ctx, req)
}

func (c *LocalCollaborator) maxRead() int64 {
	if c.MaxReadSize > 0 {
		return c.MaxReadSize
	}
	return defaultMaxReadSize
}

func (c *LocalCollaborator) maxOutput() int64 {
	if c.MaxOutputSize > 0 {
		return c.MaxOutputSize
	}
	return defaultMaxOutputSize
}

func (c *LocalCollaborator) cmdTimeout() time.Duration {
	if c.CommandTimeout > 0 {
		return c.CommandTimeout
	}
	return defaultCmdTimeout
}

// readFile reads params["path"] and returns its contents. Binary data is
// base64 encoded so the result stays a valid variable value.
func (c *LocalCollaborator) readFile(params map[string]string) (handlers.ActionResult, error) {
	path, err := requiredPath(params, "readFile")
	if err != nil {
		return handlers.ActionResult{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
			"readFile: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, c.maxRead()))
	if err != nil {
		return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
			"readFile: %v", err).WithCause(err)
	}

	if isBinary(data) {
		return handlers.ActionResult{Value: base64.StdEncoding.EncodeToString(data)}, nil
	}
	return handlers.ActionResult{Value: string(data)}, nil
}

// writeFile writes params["content"] to params["path"], creating parent
// directories when params["createDirs"] is truthy.
func (c *LocalCollaborator) writeFile(params map[string]string) (handlers.ActionResult, error) {
	path, err := requiredPath(params, "writeFile")
	if err != nil {
		return handlers.ActionResult{}, err
	}
	content, ok := params["content"]
	if !ok {
		return handlers.ActionResult{}, schema.NewError(schema.ErrCodeValidation,
			"writeFile: missing required param \"content\"")
	}

	if truthy(params["createDirs"]) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
				"writeFile: %v", err).WithCause(err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
			"writeFile: %v", err).WithCause(err)
	}
	return handlers.ActionResult{Value: path}, nil
}

// listDirectory lists params["path"], optionally filtered by a glob in
// params["pattern"]. The result is a JSON array of entry objects.
func (c *LocalCollaborator) listDirectory(params map[string]string) (handlers.ActionResult, error) {
	path, err := requiredPath(params, "listDirectory")
	if err != nil {
		return handlers.ActionResult{}, err
	}
	pattern := params["pattern"]

	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
			"listDirectory: %v", err).WithCause(err)
	}

	entries := []map[string]any{}
	for _, d := range dirEntries {
		if pattern != "" {
			matched, matchErr := filepath.Match(pattern, d.Name())
			if matchErr != nil {
				return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeValidation,
					"listDirectory: invalid pattern %q: %v", pattern, matchErr)
			}
			if !matched {
				continue
			}
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			continue
		}
		entries = append(entries, map[string]any{
			"name":        d.Name(),
			"path":        filepath.Join(path, d.Name()),
			"size":        info.Size(),
			"modified_at": info.ModTime().UTC().Format(time.RFC3339),
			"is_dir":      d.IsDir(),
		})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
			"listDirectory: failed to marshal entries").WithCause(err)
	}
	return handlers.ActionResult{Value: string(data)}, nil
}

// executeCommand runs params["command"] through /bin/sh and returns its
// stdout. params["cwd"] sets the working directory. A non-zero exit fails
// the node with stderr in the message.
func (c *LocalCollaborator) executeCommand(ctx context.Context, params map[string]string) (handlers.ActionResult, error) {
	command := params["command"]
	if command == "" {
		return handlers.ActionResult{}, schema.NewError(schema.ErrCodeValidation,
			"executeCommand: missing required param \"command\"")
	}

	execCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.cmdTimeout())
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	if cwd := params["cwd"]; cwd != "" {
		cmd.Dir = cwd
	}
	if stdin := params["stdin"]; stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: c.maxOutput()}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: c.maxOutput()}

	if err := cmd.Run(); err != nil {
		if execCtx.Err() != nil {
			return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
				"executeCommand: killed: %v", execCtx.Err()).WithCause(execCtx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
				"executeCommand: exit code %d: %s",
				exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return handlers.ActionResult{}, schema.NewErrorf(schema.ErrCodeHandler,
			"executeCommand: %v", err).WithCause(err)
	}

	return handlers.ActionResult{Value: strings.TrimRight(stdout.String(), "\n")}, nil
}

func requiredPath(params map[string]string, action string) (string, error) {
	path := params["path"]
	if path == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"%s: missing required param \"path\"", action)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"%s: invalid path %q: %v", action, path, err)
	}
	return abs, nil
}

func truthy(v string) bool {
	return v == "true" || v == "1" || v == "yes"
}

// isBinary reports whether data contains null bytes, checking at most the
// first 8KB.
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}

// limitedWriter discards bytes beyond the limit but always reports the full
// length consumed so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
