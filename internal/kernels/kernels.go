// Package kernels provides kernel program sources.
package kernels

import (
	_ "embed"
	"errors"
	"io/fs"
	"os"

	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/rs/zerolog/log"
)

// MatMul is the built-in matmul kernel source.
//
//go:embed matmul.cl
var MatMul string

// Load reads kernel source from path as raw text. A missing or unreadable
// file is a FileNotFoundError.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		msg := "Cannot open kernel source"
		if errors.Is(err, fs.ErrNotExist) {
			msg = "Kernel source not found"
		}
		return "", device.NewError(device.KindFileNotFound, "Load", "file.is_open()", msg, err)
	}
	log.Debug().Str("path", path).Int("bytes", len(data)).Msg("Loaded kernel source")
	return string(data), nil
}

// Source returns the contents of path, or the built-in matmul kernel when
// path is empty.
func Source(path string) (string, error) {
	if path == "" {
		return MatMul, nil
	}
	return Load(path)
}
