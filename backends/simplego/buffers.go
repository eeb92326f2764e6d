// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Buffer for SimpleGo backend is a block of host memory, aligned to 8 bytes so it can be viewed
// as a slice of any of the supported dtypes.
type Buffer struct {
	words    []uint64
	size     int
	released atomic.Bool
}

var _ backends.Buffer = (*Buffer)(nil)

func newBuffer(size int) *Buffer {
	return &Buffer{
		words: make([]uint64, (size+7)/8),
		size:  size,
	}
}

// Size implements backends.Buffer.
func (b *Buffer) Size() int { return b.size }

// Release implements backends.Buffer.
func (b *Buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	b.words = nil
}

// Bytes returns the raw storage of the buffer.
func (b *Buffer) Bytes() []byte {
	if b.released.Load() {
		exceptions.Panicf("simplego: use of released buffer")
	}
	if b.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.words[0])), b.size)
}

// View returns the contents of buffer as a slice of T. Trailing bytes that don't fill a T are not included.
func View[T dtypes.Supported](buffer *Buffer) []T {
	data := buffer.Bytes()
	var t T
	n := len(data) / int(unsafe.Sizeof(t))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}

// Allocate implements backends.Device.
func (d *Device) Allocate(size int) (backends.Buffer, error) {
	if err := d.checkValid(); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errors.Errorf("simplego: invalid buffer size %d", size)
	}
	return newBuffer(size), nil
}

// toBuffer converts a backends.Buffer to the concrete SimpleGo buffer.
func toBuffer(buffer backends.Buffer) (*Buffer, error) {
	b, ok := buffer.(*Buffer)
	if !ok || b == nil {
		return nil, errors.Errorf("simplego: buffer of type %T was not allocated by this backend", buffer)
	}
	if b.released.Load() {
		return nil, errors.New("simplego: use of released buffer")
	}
	return b, nil
}

// Write implements backends.Device: host data is copied to buffer once the wait-list completes.
func (d *Device) Write(buffer backends.Buffer, data []byte, waitList []backends.Event) (backends.Event, error) {
	b, err := toBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if len(data) > b.Size() {
		return nil, errors.Errorf("simplego: can't write %d bytes to buffer of %d bytes", len(data), b.Size())
	}
	return d.submit("write", waitList, func() error {
		copy(b.Bytes(), data)
		return nil
	})
}

// Read implements backends.Device: buffer is copied to the host data once the wait-list completes.
func (d *Device) Read(buffer backends.Buffer, data []byte, waitList []backends.Event) (backends.Event, error) {
	b, err := toBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if len(data) > b.Size() {
		return nil, errors.Errorf("simplego: can't read %d bytes from buffer of %d bytes", len(data), b.Size())
	}
	return d.submit("read", waitList, func() error {
		copy(data, b.Bytes())
		return nil
	})
}
