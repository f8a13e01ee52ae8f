// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// MaxFirmwareSize caps assembled firmware images at 4 MiB.
const MaxFirmwareSize = 4 * 1024 * 1024

type flasherArgs struct {
	FlashFiles map[string]string `json:"flash_files"`
}

type firmwarePart struct {
	offset int64
	data   []byte
}

// ResolveIDFFirmware assembles a single flashable image from an ESP-IDF
// build's flasher_args.json. Every flash_files entry is read relative to
// the manifest and placed at its offset in an image filled with 0xFF, the
// erased flash state, sized to the furthest part end.
func ResolveIDFFirmware(flasherArgsPath string) ([]byte, error) {
	raw, err := os.ReadFile(flasherArgsPath)
	if err != nil {
		return nil, fmt.Errorf("simctl: read flasher args: %w", err)
	}
	var args flasherArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("simctl: parse flasher args: %w", err)
	}
	if len(args.FlashFiles) == 0 {
		return nil, errors.New("simctl: flash_files is not defined in flasher args")
	}

	dir := filepath.Dir(flasherArgsPath)
	parts := make([]firmwarePart, 0, len(args.FlashFiles))
	var size int64
	for offsetStr, file := range args.FlashFiles {
		// Offsets are hex, with or without the 0x prefix. An offset past the
		// image cap can never fit, whatever the part holds.
		offset, err := strconv.ParseInt(strings.TrimPrefix(offsetStr, "0x"), 16, 64)
		if err != nil || offset < 0 || offset > MaxFirmwareSize {
			return nil, fmt.Errorf("simctl: invalid offset %q in flasher args", offsetStr)
		}
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, fmt.Errorf("simctl: firmware part %s: %w", file, err)
		}
		parts = append(parts, firmwarePart{offset: offset, data: data})
		if end := offset + int64(len(data)); end > size {
			size = end
		}
	}
	if size > MaxFirmwareSize {
		return nil, fmt.Errorf("simctl: firmware size %d exceeds the maximum supported size %d", size, MaxFirmwareSize)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].offset < parts[j].offset })

	image := make([]byte, size)
	for i := range image {
		image[i] = 0xFF
	}
	for _, p := range parts {
		copy(image[p.offset:], p.data)
	}
	return image, nil
}
