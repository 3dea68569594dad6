// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirBackend keeps artifacts as plain files in a single directory, which is
// the layout the protocol gateway's multi-file auth state uses.
type DirBackend struct {
	Path string
}

const tempPrefix = ".tmp-"

var (
	_ Backend     = (*DirBackend)(nil)
	_ TempSweeper = (*DirBackend)(nil)
)

// List returns the names of all regular files in the directory, skipping
// in-flight temp files. A missing directory is treated as empty.
func (d *DirBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// SweepTemp deletes temp files left behind by writes that never reached the
// rename, which may still hold credential bytes.
func (d *DirBackend) SweepTemp(_ context.Context) (int, error) {
	entries, err := os.ReadDir(d.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		err = os.Remove(filepath.Join(d.Path, entry.Name()))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (d *DirBackend) Read(_ context.Context, name string) ([]byte, error) {
	path, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Write stores data under name atomically, so a crash mid-write never leaves
// truncated credentials behind.
func (d *DirBackend) Write(_ context.Context, name string, data []byte) error {
	path, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(d.Path, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	tempFile, err := os.CreateTemp(d.Path, tempPrefix+name+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	_, err = tempFile.Write(data)
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempFile.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = os.Rename(tempFile.Name(), path); err != nil {
		_ = os.Remove(tempFile.Name())
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// Delete removes the named artifact. Deleting an artifact that is already gone
// is not an error.
func (d *DirBackend) Delete(_ context.Context, name string) error {
	path, err := d.resolve(name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (d *DirBackend) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(d.Path, name), nil
}
