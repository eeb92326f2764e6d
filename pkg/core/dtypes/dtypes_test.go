// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	assert.Equal(t, Float16, MapOfNames["Float16"])
	assert.Equal(t, Float16, MapOfNames["float16"])
	assert.Equal(t, Float16, MapOfNames["f16"])
	assert.Equal(t, Float32, MapOfNames["float32"])
	assert.Equal(t, Int64, MapOfNames["Int64"])
	_, found := MapOfNames["complex64"]
	assert.False(t, found)
}

func TestSize(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 8, Float64.Size())
	assert.Equal(t, 1, Uint8.Size())
	assert.Equal(t, 0, InvalidDType.Size())
	assert.False(t, InvalidDType.IsSupported())

	// Element width must agree with the Go type used for host views.
	for _, dtype := range []DType{Int32, Int64, Uint8, Uint32, Float16, Float32, Float64} {
		require.Equal(t, int(dtype.GoType().Size()), dtype.Size(), "dtype %s", dtype)
		require.Equal(t, dtype, FromGoType(dtype.GoType()))
	}
}

func TestFromGenericsType(t *testing.T) {
	assert.Equal(t, Float32, FromGenericsType[float32]())
	assert.Equal(t, Float16, FromGenericsType[float16.Float16]())
	assert.Equal(t, Int32, FromGenericsType[int32]())
	assert.Equal(t, Float64, FromAny(1.0))
	assert.Equal(t, InvalidDType, FromGoType(reflect.TypeOf("")))
}

func TestToFloat32(t *testing.T) {
	assert.Equal(t, float32(1.5), Float16.ToFloat32(float16.Fromfloat32(1.5)))
	assert.Equal(t, float32(3), Int32.ToFloat32(int32(3)))
	assert.Panics(t, func() { Float32.ToFloat32("x") })
	assert.Equal(t, "Float32", Float32.String())
}
