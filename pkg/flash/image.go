// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flash

import (
	"fmt"
	"io"

	"github.com/xaionaro-go/bytesextra"
)

// Image is a flash window backed by an io.ReadWriteSeeker, usually an
// in-memory copy of a dumped SPI image. It is a plain byte store: writes
// need no preceding erase and are applied atomically within the call, so
// the erase-boundary question of the hardware contract does not arise.
type Image struct {
	backend           io.ReadWriteSeeker
	size              uint32
	erasableBlockSize int
}

// DefaultErasableBlockSize matches the 4 KiB sector erase most SPI parts offer.
const DefaultErasableBlockSize = 0x1000

// NewImage presents BUF as a flash window. The backing slice is shared,
// not copied.
func NewImage(buf []byte) *Image {
	return NewImageFrom(bytesextra.NewReadWriteSeeker(buf), uint32(len(buf)))
}

// NewImageFrom presents an arbitrary ReadWriteSeeker of SIZE bytes as a
// flash window.
func NewImageFrom(backend io.ReadWriteSeeker, size uint32) *Image {
	return &Image{
		backend:           backend,
		size:              size,
		erasableBlockSize: DefaultErasableBlockSize,
	}
}

// Size returns the window size in bytes.
func (im *Image) Size() uint32 {
	return im.size
}

// ErasableBlockSize implements FlashAlign.
func (im *Image) ErasableBlockSize() int {
	return im.erasableBlockSize
}

func (im *Image) checkBounds(beginning Location, length int) error {
	if uint64(beginning)+uint64(length) > uint64(im.size) {
		return &OutOfBoundsError{Start: beginning, Length: length, Window: im.size}
	}
	return nil
}

// ReadExact implements FlashRead.
func (im *Image) ReadExact(beginning Location, buf []byte) error {
	if err := im.checkBounds(beginning, len(buf)); err != nil {
		return err
	}
	if _, err := im.backend.Seek(int64(beginning), io.SeekStart); err != nil {
		return fmt.Errorf("could not seek to 0x%x: %w", beginning, err)
	}
	if _, err := io.ReadFull(im.backend, buf); err != nil {
		return fmt.Errorf("could not read 0x%x B at 0x%x: %w", len(buf), beginning, err)
	}
	return nil
}

// WriteExact implements FlashWrite.
func (im *Image) WriteExact(beginning Location, buf []byte) error {
	if err := im.checkBounds(beginning, len(buf)); err != nil {
		return err
	}
	if _, err := im.backend.Seek(int64(beginning), io.SeekStart); err != nil {
		return &WriteFaultError{Start: beginning, Length: len(buf), Err: err}
	}
	if _, err := im.backend.Write(buf); err != nil {
		return &WriteFaultError{Start: beginning, Length: len(buf), Err: err}
	}
	return nil
}

// Erase fills the given range with 0xFF, the erased state of NOR flash.
func (im *Image) Erase(beginning Location, length int) error {
	if err := im.checkBounds(beginning, length); err != nil {
		return err
	}
	blank := make([]byte, length)
	for i := range blank {
		blank[i] = 0xFF
	}
	return im.WriteExact(beginning, blank)
}
