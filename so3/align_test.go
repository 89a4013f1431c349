// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package so3

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func rotationSlices(rot [3][3]float64) [][]float64 {
	out := make([][]float64, 3)
	for i := range out {
		out[i] = []float64{rot[i][0], rot[i][1], rot[i][2]}
	}
	return out
}

func wignerSlices(degree int, rot [3][3]float64) [][]float64 {
	return WignerD(degree, rot)
}

// TestAlignmentSendsVectorToZAxis: after Rotate, the vector itself must sit
// on the +z axis, which in the (y, z, x) component order is the middle slot.
func TestAlignmentSendsVectorToZAxis(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	input := tensors.FromValue([]float64{1, 2, 2}) // Norm 3.
	aligned := context.MustExecOnce(backend, ctx, func(_ *context.Context, v *Node) *Node {
		a := NewAlignment(v, 1)
		return Squeeze(a.Rotate(1, VectorsToFeature(v)), -1)
	}, input)
	got := aligned.Value().([]float64)
	require.InDelta(t, 0.0, got[0], 1e-9)
	require.InDelta(t, 3.0, got[1], 1e-9)
	require.InDelta(t, 0.0, got[2], 1e-9)
}

func TestAlignmentRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	for degree := 1; degree <= 3; degree++ {
		t.Run(fmt.Sprintf("degree%d", degree), func(t *testing.T) {
			diff := context.MustExecOnce(backend, ctx.In(fmt.Sprintf("d%d", degree)), func(ctx *context.Context, g *Graph) *Node {
				rel := AddScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 4, 3)), -0.5)
				features := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 4, Order(degree), 2))
				a := NewAlignment(rel, degree)
				back := a.RotateBack(degree, a.Rotate(degree, features))
				return ReduceAllMax(Abs(Sub(back, features)))
			})
			require.Less(t, tensors.ToScalar[float64](diff), 1e-9)
		})
	}
}

// TestAlignmentZeroVector: a zero-length vector must produce the identity
// alignment, with no NaNs.
func TestAlignmentZeroVector(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	rel := tensors.FromValue([]float64{0, 0, 0})
	features := tensors.FromValue([][]float64{{1}, {2}, {3}})
	out := context.MustExecOnce(backend, ctx, func(_ *context.Context, rel, features *Node) *Node {
		a := NewAlignment(rel, 2)
		return Squeeze(a.Rotate(1, features), -1)
	}, rel, features)
	got := out.Value().([]float64)
	for i, want := range []float64{1, 2, 3} {
		require.InDeltaf(t, want, got[i], 1e-12, "component %d", i)
	}
}

// TestSphericalHarmonicsDegree1: the degree-1 harmonics are the unit vector
// components (y, z, x) scaled by sqrt(3/(4*pi)).
func TestSphericalHarmonicsDegree1(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	input := tensors.FromValue([][]float64{{2, -1, 2}, {0, 0, 5}})
	got := context.MustExecOnce(backend, ctx, func(_ *context.Context, v *Node) *Node {
		return SphericalHarmonics(NewAlignment(v, 1), 1)
	}, input)
	scale := math.Sqrt(3 / (4 * math.Pi))
	want := [][]float64{
		{-1.0 / 3, 2.0 / 3, 2.0 / 3}, // (y, z, x) / r for (2, -1, 2).
		{0, 1, 0},
	}
	values := got.Value().([][]float64)
	for i := range want {
		for m := range want[i] {
			require.InDeltaf(t, scale*want[i][m], values[i][m], 1e-9, "vector %d, component %d", i, m)
		}
	}
}

// TestSphericalHarmonicsEquivariance: Y(R*v) == WignerD(R) * Y(v).
func TestSphericalHarmonicsEquivariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(17)
	rng := rand.New(rand.NewPCG(17, 0))
	for degree := 1; degree <= 3; degree++ {
		rot := randomRotation(rng)
		t.Run(fmt.Sprintf("degree%d", degree), func(t *testing.T) {
			diff := context.MustExecOnce(backend, ctx.In(fmt.Sprintf("d%d", degree)), func(ctx *context.Context, g *Graph) *Node {
				v := AddScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 8, 3)), -0.5)
				rotNode := Const(g, rotationSlices(rot))
				dNode := Const(g, wignerSlices(degree, rot))
				vRot := EinsumAxes(v, rotNode, [][2]int{{1, 1}}, nil)
				yRot := SphericalHarmonics(NewAlignment(vRot, degree), degree)
				y := SphericalHarmonics(NewAlignment(v, degree), degree)
				want := EinsumAxes(y, dNode, [][2]int{{1, 1}}, nil)
				return ReduceAllMax(Abs(Sub(yRot, want)))
			})
			require.Less(t, tensors.ToScalar[float64](diff), 1e-9)
		})
	}
}

// TestSphericalHarmonicsNorm: sum_m Y_m^2 == (2l+1)/(4*pi) on any direction.
func TestSphericalHarmonicsNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(5)
	for degree := 0; degree <= 4; degree++ {
		t.Run(fmt.Sprintf("degree%d", degree), func(t *testing.T) {
			norms := context.MustExecOnce(backend, ctx.In(fmt.Sprintf("d%d", degree)), func(ctx *context.Context, g *Graph) *Node {
				v := AddScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 16, 3)), -0.5)
				y := SphericalHarmonics(NewAlignment(v, degree), degree)
				return ReduceSum(Mul(y, y), -1)
			})
			want := float64(2*degree+1) / (4 * math.Pi)
			for i, norm := range norms.Value().([]float64) {
				require.InDeltaf(t, want, norm, 1e-9, "direction %d", i)
			}
		})
	}
}

func TestVectorFeatureRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	input := tensors.FromValue([][]float64{{1, 2, 3}, {-4, 0, 2.5}})
	out := context.MustExecOnce(backend, ctx, func(_ *context.Context, v *Node) *Node {
		return FeatureToVectors(VectorsToFeature(v))
	}, input)
	require.Equal(t, input.Value(), out.Value())
}
