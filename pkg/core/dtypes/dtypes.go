// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types a graph node can hold on a device.
//
// It includes converters to/from Go native types (and reflect.Type), the width of each element in bytes
// (used to size device buffers) and the constraint interfaces used with generics.
package dtypes

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters don't follow the specifications.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

// DType is an enum of the data type of the elements of a node's buffer.
type DType int32

const (
	// InvalidDType is the zero value, not a valid element type.
	InvalidDType DType = iota
	Int32
	Int64
	Uint8
	Uint32
	Float16
	Float32
	Float64
)

// Aliases.
const (
	I32 = Int32
	I64 = Int64
	U8  = Uint8
	U32 = Uint32
	F16 = Float16
	F32 = Float32
	F64 = Float64
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint32:       "Uint32",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// MapOfNames maps the names (and their lower-case versions) to the DType.
var MapOfNames = map[string]DType{}

func init() {
	// Only works for 32 and 64 bits platforms.
	if strconv.IntSize != 32 && strconv.IntSize != 64 {
		panicf("cannot use int of %d bits -- only platforms with int32 or int64 are supported", strconv.IntSize)
	}
	for dtype, name := range dtypeNames {
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
	MapOfNames["f16"] = Float16
	MapOfNames["f32"] = Float32
	MapOfNames["f64"] = Float64
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// Supported lists the Go types that have a corresponding DType.
// Used as traits for generics.
type Supported interface {
	int32 | int64 | uint8 | uint32 | float16.Float16 | float32 | float64
}

// Number of the types that arithmetic on the host is defined for.
type Number interface {
	constraints.Integer | constraints.Float
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case int64:
		return Int64
	case int32:
		return Int32
	case uint8:
		return Uint8
	case uint32:
		return Uint32
	}
	return InvalidDType
}

// Pre-generate constant reflect.TypeOf for convenience.
var (
	float32Type = reflect.TypeOf(float32(0))
	float64Type = reflect.TypeOf(float64(0))
	float16Type = reflect.TypeOf(float16.Float16(0))
	int32Type   = reflect.TypeOf(int32(0))
	int64Type   = reflect.TypeOf(int64(0))
	uint8Type   = reflect.TypeOf(uint8(0))
	uint32Type  = reflect.TypeOf(uint32(0))
)

// GoType returns the Go `reflect.Type` corresponding to the DType.
// It panics for invalid dtypes.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Float16:
		return float16Type
	case Float32:
		return float32Type
	case Float64:
		return float64Type
	case Int32:
		return int32Type
	case Int64:
		return int64Type
	case Uint8:
		return uint8Type
	case Uint32:
		return uint32Type
	}
	panicf("unknown dtype %q (%d) in DType.GoType", dtype, int(dtype))
	return nil
}

// FromGoType returns the DType for the given "reflect.Type", or InvalidDType if not supported.
func FromGoType(t reflect.Type) DType {
	switch t {
	case float16Type:
		return Float16
	case float32Type:
		return Float32
	case float64Type:
		return Float64
	case int32Type:
		return Int32
	case int64Type:
		return Int64
	case uint8Type:
		return Uint8
	case uint32Type:
		return Uint32
	}
	return InvalidDType
}

// FromAny introspects the underlying type of any and returns the corresponding DType.
// Non-scalar types, or unsupported types return an InvalidType.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

// Size returns the number of bytes of one element of the given DType: the "element width".
func (dtype DType) Size() int {
	switch dtype {
	case Uint8:
		return 1
	case Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Float64:
		return 8
	}
	return 0
}

// Memory returns the number of bytes for the given DType.
// It's an alias to Size, converted to uintptr.
func (dtype DType) Memory() uintptr {
	return uintptr(dtype.Size())
}

// IsFloat returns whether dtype is a supported float.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is a supported integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int32 || dtype == Int64 || dtype == Uint8 || dtype == Uint32
}

// IsSupported returns whether dtype can be stored in a node buffer.
func (dtype DType) IsSupported() bool {
	return dtype.Size() > 0
}

// ToFloat32 converts a scalar value of this dtype to float32.
// It's used by host code (monitors, initializers) that handles buffers generically.
func (dtype DType) ToFloat32(value any) float32 {
	switch v := value.(type) {
	case float16.Float16:
		return v.Float32()
	case float32:
		return v
	case float64:
		return float32(v)
	case int32:
		return float32(v)
	case int64:
		return float32(v)
	case uint8:
		return float32(v)
	case uint32:
		return float32(v)
	}
	panicf("DType(%s).ToFloat32(%T) not supported", dtype, value)
	return 0
}
