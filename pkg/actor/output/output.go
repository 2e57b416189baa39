// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package output captures the stdout/stderr of actors into per-action files
// and rotates them by size.
package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cactus/tai64"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/constants"
	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
)

const (
	// CurrentFileName is the file actors append to.
	CurrentFileName = "current"
	// RotatedSuffix is the extension of a rotated, still uncompressed file.
	RotatedSuffix = ".log"
	// CompressedSuffix is the extension of a compressed rotated file.
	CompressedSuffix = ".log.zst"

	filePermission = 0o644
	dirPermission  = 0o755
)

// Manager owns the output directories of all actions.
type Manager struct {
	logger  *zap.SugaredLogger
	baseDir string
	maxSize int64

	mu      sync.RWMutex
	actions map[int]string
}

// NewManager creates a Manager writing below baseDir. maxSize is clamped to the supported range.
func NewManager(logger *zap.SugaredLogger, baseDir string, maxSize int64) *Manager {
	if logger == nil {
		panic("logger cannot be nil - output Manager requires a valid logger")
	}

	if maxSize < constants.MinOutputMaxSize {
		maxSize = constants.MinOutputMaxSize
	} else if maxSize > constants.MaxOutputMaxSize {
		maxSize = constants.MaxOutputMaxSize
	}

	metrics.InitErrorCounter(metrics.ComponentOutput, "rotate")

	return &Manager{
		logger:  logger,
		baseDir: baseDir,
		maxSize: maxSize,
		actions: make(map[int]string),
	}
}

// MaxSize returns the effective rotation size.
func (m *Manager) MaxSize() int64 {
	return m.maxSize
}

// Dir returns the output directory of actionID.
func (m *Manager) Dir(actionID int) string {
	return filepath.Join(m.baseDir, "action-"+strconv.Itoa(actionID))
}

// Register creates the output directory of actionID and puts it under rotation.
func (m *Manager) Register(actionID int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dir, ok := m.actions[actionID]; ok {
		return dir, nil
	}

	dir := m.Dir(actionID)
	if err := os.MkdirAll(dir, dirPermission); err != nil {
		return "", fmt.Errorf("error creating output directory %s: %w", dir, err)
	}

	m.actions[actionID] = dir

	m.logger.Debug("Registered action output for rotation",
		zap.Int("actionID", actionID),
		zap.String("dir", dir),
		zap.Int64("maxSize", m.maxSize))

	return dir, nil
}

// Unregister stops rotating the output of actionID. Files are left in place.
func (m *Manager) Unregister(actionID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.actions, actionID)
}

// OpenCurrent opens the current output file of actionID for appending.
// The caller owns the returned file.
func (m *Manager) OpenCurrent(actionID int) (*os.File, error) {
	dir, err := m.Register(actionID)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, CurrentFileName), os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePermission)
	if err != nil {
		return nil, fmt.Errorf("error opening output of action %d: %w", actionID, err)
	}

	return f, nil
}

// CheckAndRotate rotates every oversized current file and compresses older rotated files.
// A failing action does not stop the others.
func (m *Manager) CheckAndRotate(ctx context.Context) error {
	m.mu.RLock()
	dirs := make(map[int]string, len(m.actions))
	for k, v := range m.actions {
		dirs[k] = v
	}
	m.mu.RUnlock()

	var errs []error

	for actionID, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := m.rotateIfNeeded(actionID, dir); err != nil {
			metrics.IncErrorCount(metrics.ComponentOutput, "rotate")
			m.logger.Error("Error during output rotation", zap.Int("actionID", actionID), zap.Error(err))
			errs = append(errs, err)

			continue
		}

		if err := m.compressOld(ctx, dir); err != nil {
			metrics.IncErrorCount(metrics.ComponentOutput, "rotate")
			m.logger.Error("Error compressing rotated output", zap.Int("actionID", actionID), zap.Error(err))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) rotateIfNeeded(actionID int, dir string) error {
	current := filepath.Join(dir, CurrentFileName)

	stat, err := os.Stat(current)
	if err != nil {
		// nothing written yet
		return nil
	}

	if stat.Size() <= m.maxSize {
		return nil
	}

	rotatedPath := filepath.Join(dir, strings.TrimPrefix(tai64.FormatNano(time.Now()), "@")+RotatedSuffix)

	// Running actors keep writing to the renamed inode; the next spawn creates a fresh current file.
	if err := os.Rename(current, rotatedPath); err != nil {
		return fmt.Errorf("error renaming output file from %s to %s: %w", current, rotatedPath, err)
	}

	m.logger.Info("Output file rotated",
		zap.Int("actionID", actionID),
		zap.String("rotatedFile", rotatedPath),
		zap.Int64("size", stat.Size()))

	return nil
}

// compressOld compresses every uncompressed rotated file except the newest one,
// which may still be written by an actor started before the rotation.
func (m *Manager) compressOld(ctx context.Context, dir string) error {
	rotated, err := filepath.Glob(filepath.Join(dir, "*"+RotatedSuffix))
	if err != nil {
		return err
	}

	if len(rotated) < 2 {
		return nil
	}

	// TAI64N names sort chronologically.
	sort.Strings(rotated)

	for _, path := range rotated[:len(rotated)-1] {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := compressFile(path); err != nil {
			return err
		}
	}

	return nil
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer in.Close()

	target := strings.TrimSuffix(path, RotatedSuffix) + CompressedSuffix

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePermission)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if err := compress(in, out); err != nil {
		out.Close()
		os.Remove(target)

		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(target)

		return fmt.Errorf("failed to close %s: %w", target, err)
	}

	return os.Remove(path)
}

func compress(in io.Reader, out io.Writer) error {
	enc, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	_, err = io.Copy(enc, in)
	if err != nil {
		closeErr := enc.Close()
		if closeErr != nil {
			return fmt.Errorf("failed to copy and close: %w", errors.Join(err, closeErr))
		}

		return fmt.Errorf("failed to copy output: %w", err)
	}

	return enc.Close()
}

// Decompress writes the plain content of a compressed rotated file to out.
func Decompress(in io.Reader, out io.Writer) error {
	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	_, err = io.Copy(out, dec)

	return err
}

// CloseAll stops rotating every action.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Closing actor output manager")

	m.actions = make(map[int]string)
}
