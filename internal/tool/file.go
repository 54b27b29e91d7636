package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// maxReadFileBytes caps read_file output so a single tool call cannot blow
// up the conversation history.
const maxReadFileBytes = 256 * 1024

// NewReadFile returns the read_file tool. Binary files are rejected after
// MIME sniffing; text content is returned verbatim up to the size cap.
func NewReadFile() *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read a text file from disk. Output is capped at 256KB.",
		Params: []Param{
			{Name: "path", Type: "string", Description: "Path of the file to read", Required: true},
		},
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			info, err := os.Stat(path)
			if err != nil {
				return "", err
			}
			if info.IsDir() {
				return "", fmt.Errorf("%s is a directory", path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			truncated := false
			if len(data) > maxReadFileBytes {
				data = data[:maxReadFileBytes]
				truncated = true
			}
			mt := mimetype.Detect(data)
			if !strings.HasPrefix(mt.String(), "text/") && !mimetype.EqualsAny(mt.String(), "application/json", "application/xml", "application/x-yaml") {
				return "", fmt.Errorf("refusing to read binary file (%s)", mt.String())
			}
			out := string(data)
			if truncated {
				out += "\n[truncated at 256KB]"
			}
			return out, nil
		},
	}
}

// NewWriteFile returns the write_file tool.
func NewWriteFile() *Tool {
	return &Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed.",
		Params: []Param{
			{Name: "path", Type: "string", Description: "Destination file path", Required: true},
			{Name: "content", Type: "string", Description: "Content to write", Required: true},
		},
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
	}
}
