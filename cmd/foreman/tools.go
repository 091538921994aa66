package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/foreman/internal/tools"
)

// maxToolFileBytes bounds a single read_file result.
const maxToolFileBytes = 64 * 1024

// builtinTools returns the tool set exposed to the tool-loop provider. Every
// tool is confined to the configured workspace root.
func builtinTools(root string) *tools.StaticRegistry {
	return tools.NewStaticRegistry(
		tools.Tool{
			Name:        "read_file",
			Description: "Read a UTF-8 text file from the workspace. Returns at most 64 KB.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace root"}},"required":["path"]}`),
			Handler:     readFileHandler(root),
		},
		tools.Tool{
			Name:        "list_dir",
			Description: "List the entries of a workspace directory. Directories get a trailing slash.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to the workspace root; defaults to the root"}}}`),
			Handler:     listDirHandler(root),
		},
	)
}

// resolveUnder joins rel onto root, rejecting absolute paths and traversal.
func resolveUnder(root, rel string) (string, error) {
	if rel == "" || rel == "." {
		return root, nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return filepath.Join(root, rel), nil
}

func readFileHandler(root string) tools.Handler {
	return func(_ context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("parse input: %w", err)
		}

		path, err := resolveUnder(root, args.Path)
		if err != nil {
			return "", err
		}
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()

		data, err := io.ReadAll(io.LimitReader(f, maxToolFileBytes+1))
		if err != nil {
			return "", err
		}
		if len(data) > maxToolFileBytes {
			return string(data[:maxToolFileBytes]) + "\n[truncated]", nil
		}
		return string(data), nil
	}
}

func listDirHandler(root string) tools.Handler {
	return func(_ context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Path string `json:"path"`
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("parse input: %w", err)
			}
		}

		dir, err := resolveUnder(root, args.Path)
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", err
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return strings.Join(names, "\n"), nil
	}
}
