// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Buffer is an allocation of device memory.
type Buffer interface {
	// Size in bytes of the buffer.
	Size() int

	// Release the device memory. The buffer must not be used afterwards.
	Release()
}

// Kernel is a compiled kernel entry point, with its positional arguments.
type Kernel interface {
	// Entry is the name of the kernel entry point.
	Entry() string

	// NumArgs is the number of parameters the entry point declares.
	NumArgs() int

	// SetArg binds the argument at index.
	//
	// Accepted values are a Buffer, nil (a null placeholder for optional arguments) and Go scalars
	// (int, int32, int64, uint32, float32, float64).
	// The value stays bound until it is set again. Device.Enqueue uses a snapshot of the arguments bound
	// at the time of the call.
	SetArg(index int, value any) error

	// Release the compiled kernel.
	Release()
}

// Event signals the completion of a command enqueued in a Device.
type Event interface {
	// Wait blocks until the command completed and returns its error, if it failed.
	Wait() error

	// Done returns whether the command completed. It doesn't block.
	Done() bool
}

// Device is an asynchronous execution queue on one accelerator device.
//
// Commands are started only after every event of their wait-list completed. A command whose wait-list
// has a failed event fails with the same error.
type Device interface {
	// DeviceNum of the device this queue executes on.
	DeviceNum() DeviceNum

	// Allocate device memory of the given size in bytes. Contents are zero-initialized.
	Allocate(size int) (Buffer, error)

	// Compile source code and returns the kernel for the given entry point.
	// Compilation failures are returned as *CompileError.
	Compile(entry, source string) (Kernel, error)

	// Enqueue the kernel with the global and local work sizes (one value per dimension, local can be nil)
	// to start after the events in waitList.
	Enqueue(kernel Kernel, global, local []int, waitList []Event) (Event, error)

	// Write enqueues the transfer of host data to buffer, a host-to-device transfer.
	// The data must not be changed until the returned event completes.
	Write(buffer Buffer, data []byte, waitList []Event) (Event, error)

	// Read enqueues the transfer of buffer to host data, a device-to-host transfer.
	// The data is only valid after the returned event completes.
	Read(buffer Buffer, data []byte, waitList []Event) (Event, error)

	// Finish blocks until all enqueued commands completed and returns the first error of any of them
	// since the last Finish.
	Finish() error

	// Release the queue. Outstanding commands are waited for.
	Release()
}
