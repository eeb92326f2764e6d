// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Volume())
	require.Equal(t, 8, shape0.Size())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Volume())
	require.Equal(t, 4*4*3*2, shape1.Size())
	require.Equal(t, 2, shape1.Dim(-1))
	require.Equal(t, 4, shape1.Dim(0))
	require.Panics(t, func() { shape1.Dim(3) })
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	require.Panics(t, func() { Make(dtypes.Float32, 2, 0) })
}

func TestVolumeAndSizeLaw(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Uint8, dtypes.Float16, dtypes.Float32, dtypes.Int64} {
		for _, dims := range [][]int{{}, {1}, {7}, {2, 3}, {5, 1, 4}, {2048, 512}} {
			s := Make(dtype, dims...)
			want := 1
			for _, d := range dims {
				want *= d
			}
			require.Equal(t, want, s.Volume(), "shape %s", s)
			require.Equal(t, want*dtype.Size(), s.Size(), "shape %s", s)
		}
	}
}

func TestEqual(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	require.True(t, a.Equal(a.Clone()))
	require.False(t, a.Equal(Make(dtypes.Float64, 2, 3)))
	require.True(t, a.EqualDimensions(Make(dtypes.Float64, 2, 3)))
	require.False(t, a.Equal(Make(dtypes.Float32, 3, 2)))
	b := a.Clone()
	b.Dimensions[0] = 10
	require.Equal(t, 2, a.Dimensions[0])
	require.Equal(t, dtypes.Int32, Scalar[int32]().DType)
}
