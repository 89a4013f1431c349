// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package so3

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// SphericalHarmonics evaluates the real spherical harmonics of the given
// degree on the directions of the alignment's vectors, shaped [...,
// 2*degree+1].
//
// On the z axis only the m=0 harmonic is non-zero and equals
// sqrt((2l+1)/(4*pi)); everywhere else the values follow by rotating that
// axis value with the transpose of the alignment matrix, which is exactly
// its m=0 row. Zero-length vectors yield the axis values.
func SphericalHarmonics(a *Alignment, degree int) *Node {
	if degree < 0 || degree > a.maxDegree {
		exceptions.Panicf("so3: alignment built for degrees <= %d, got %d", a.maxDegree, degree)
	}
	lambda := math.Sqrt(float64(2*degree+1) / (4 * math.Pi))
	if degree == 0 {
		return MulScalar(InsertAxes(OnesLike(a.R), -1), lambda)
	}
	mat := a.mats[degree]
	specs := make([]SliceAxisSpec, mat.Rank())
	for i := range specs {
		specs[i] = AxisRange()
	}
	specs[mat.Rank()-2] = AxisElem(degree) // row m=0.
	row := Squeeze(Slice(mat, specs...), -2)
	return MulScalar(row, lambda)
}

// VectorsToFeature reorders cartesian vectors [..., 3] with components
// (x, y, z) into the degree-1 component order (y, z, x) used by the real
// harmonics, with a trailing channel axis of size 1: [..., 3, 1].
func VectorsToFeature(vectors *Node) *Node {
	if vectors.Rank() < 1 || vectors.Shape().Dim(-1) != 3 {
		exceptions.Panicf("so3: VectorsToFeature requires shape [..., 3], got %s", vectors.Shape())
	}
	x := component(vectors, 0)
	y := component(vectors, 1)
	z := component(vectors, 2)
	return InsertAxes(Stack([]*Node{y, z, x}, -1), -1)
}

// FeatureToVectors inverts VectorsToFeature for single-channel degree-1
// features [..., 3, 1], returning cartesian vectors [..., 3].
func FeatureToVectors(features *Node) *Node {
	if features.Rank() < 2 || features.Shape().Dim(-2) != 3 || features.Shape().Dim(-1) != 1 {
		exceptions.Panicf("so3: FeatureToVectors requires shape [..., 3, 1], got %s", features.Shape())
	}
	flat := Squeeze(features, -1)
	y := component(flat, 0)
	z := component(flat, 1)
	x := component(flat, 2)
	return Stack([]*Node{x, y, z}, -1)
}
