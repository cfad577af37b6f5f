package unit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RunScript executes the deployed program once for a task: the payload is
// written to stdin as JSON and the result is read from stdout as JSON. The
// child gets a minimal environment, not the caller's.
func RunScript(ctx context.Context, codePath string, payload map[string]any) (map[string]any, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}

	interp := interpreterFor(codePath)
	cmd := exec.CommandContext(ctx, interp, codePath)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Dir = filepath.Dir(codePath)
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("run agent code: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("run agent code: %w", err)
	}
	return decodeResult(stdout.Bytes()), nil
}

func interpreterFor(codePath string) string {
	switch filepath.Ext(codePath) {
	case ".js", ".mjs":
		return "node"
	case ".ts":
		return "bun"
	case ".py":
		return "python3"
	default:
		return "sh"
	}
}

func decodeResult(data []byte) map[string]any {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return map[string]any{"output": strings.TrimSpace(string(data))}
	}

	switch typed := raw.(type) {
	case map[string]any:
		if len(typed) == 1 {
			if inner, ok := typed["result"]; ok {
				if innerMap, ok := inner.(map[string]any); ok && innerMap != nil {
					return innerMap
				}
				return map[string]any{"result": inner}
			}
		}
		if typed == nil {
			return map[string]any{}
		}
		return typed
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"result": typed}
	}
}
