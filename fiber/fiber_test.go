// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fiber

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/equiformer/so3"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestRep(t *testing.T) {
	r := Rep{16, 8, 4}
	require.Equal(t, 2, r.MaxDegree())
	require.Equal(t, 8, r.Channels(1))
	require.Equal(t, 0, r.Channels(5))
	require.Equal(t, 12, r.NumGates())
	require.True(t, r.Equal(Rep{16, 8, 4, 0}))
	require.False(t, r.Equal(Rep{16, 8}))
	require.Equal(t, "{0: 16, 1: 8, 2: 4}", r.String())
	require.Equal(t, Rep{8, 8}, Uniform(1, 8))

	err := exceptions.TryCatch[error](func() { Rep{0, 0}.Assert() })
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConfiguration))
	err = exceptions.TryCatch[error](func() { Rep{4, -1}.Assert() })
	require.True(t, errors.Is(err, ErrConfiguration))
}

func randomFiber(ctx *context.Context, g *Graph, rep Rep, batch int) *Features {
	f := NewFeatures(rep.MaxDegree())
	for l, c := range rep {
		if c == 0 {
			continue
		}
		x := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, batch, so3.Order(l), c))
		f.Set(l, AddScalar(x, -0.5))
	}
	return f
}

// rotateFiber applies the host-computed Wigner matrices of rot to every
// degree of the fiber.
func rotateFiber(f *Features, rot [3][3]float64) *Features {
	return f.Map(func(l int, v *Node) *Node {
		if l == 0 {
			return v
		}
		d := Const(v.Graph(), so3.WignerD(l, rot))
		return EinsumAxes(d, v, [][2]int{{1, v.Rank() - 2}}, nil)
	})
}

func randomRotation(rng *rand.Rand) [3][3]float64 {
	return so3.MulRotations(
		so3.RotationZ(rng.Float64()*6.28),
		so3.MulRotations(so3.RotationY(rng.Float64()*3.14), so3.RotationZ(rng.Float64()*6.28)))
}

// fiberDiff reduces the largest absolute difference across all degrees.
func fiberDiff(a, b *Features) *Node {
	var out *Node
	for l := 0; l <= a.MaxDegree(); l++ {
		if a.Degree(l) == nil {
			continue
		}
		d := ReduceAllMax(Abs(Sub(a.Degree(l), b.Degree(l))))
		if out == nil {
			out = d
		} else {
			out = Max(out, d)
		}
	}
	return out
}

func requireEquivariant(t *testing.T, name string, layerFn func(ctx *context.Context, x *Features) *Features) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	rng := rand.New(rand.NewPCG(42, 0))
	rot := randomRotation(rng)
	diff := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := randomFiber(ctx, g, Rep{8, 4, 2}, 5)
		ctx = ctx.Checked(false) // Both calls share the layer's variables.
		rotateAfter := rotateFiber(layerFn(ctx.In(name), x), rot)
		rotateBefore := layerFn(ctx.In(name), rotateFiber(x, rot))
		return fiberDiff(rotateAfter, rotateBefore)
	})
	require.Less(t, tensors.ToScalar[float64](diff), 1e-9, "layer %s is not equivariant", name)
}

func TestLinearEquivariance(t *testing.T) {
	requireEquivariant(t, "linear", func(ctx *context.Context, x *Features) *Features {
		return Linear(ctx, x, Rep{6, 3, 3})
	})
}

func TestNormEquivariance(t *testing.T) {
	requireEquivariant(t, "norm", func(ctx *context.Context, x *Features) *Features {
		return Norm(ctx, x)
	})
}

func TestFeedForwardEquivariance(t *testing.T) {
	requireEquivariant(t, "ff", func(ctx *context.Context, x *Features) *Features {
		return FeedForward(ctx, x, 2)
	})
}

func TestGateEquivariance(t *testing.T) {
	requireEquivariant(t, "gate", func(ctx *context.Context, x *Features) *Features {
		// Widen degree 0 so it carries the gate channels.
		hidden := Linear(ctx, x, Rep{8 + 4 + 2, 4, 2})
		return Gate(hidden)
	})
}

func TestLinearShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(0)
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := randomFiber(ctx, g, Rep{8, 4}, 3)
		y := Linear(ctx, x, Rep{5, 2})
		return []*Node{y.Degree(0), y.Degree(1)}
	})
	require.NoError(t, outputs[0].Shape().CheckDims(3, 1, 5))
	require.NoError(t, outputs[1].Shape().CheckDims(3, 3, 2))
}

func TestLinearMissingDegree(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(0)
	err := exceptions.TryCatch[error](func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := randomFiber(ctx, g, Rep{8}, 3)
			y := Linear(ctx, x, Rep{4, 4})
			return y.Degree(0)
		})
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConfiguration))
}

func TestNormZeroInput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := NewFeatures(1)
		x.Set(0, Zeros(g, shapes.Make(dtypes.Float64, 2, 1, 4)))
		x.Set(1, Zeros(g, shapes.Make(dtypes.Float64, 2, 3, 4)))
		y := Norm(ctx, x)
		return fiberDiff(y, x) // Zero input must map to exactly zero, no NaNs.
	})
	require.Equal(t, 0.0, tensors.ToScalar[float64](out))
}

func TestAddMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(0)
	err := exceptions.TryCatch[error](func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			a := randomFiber(ctx, g, Rep{4, 2}, 3)
			b := randomFiber(ctx, g, Rep{4, 3}, 3)
			return Add(a, b).Degree(0)
		})
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestGateShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(1)
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := randomFiber(ctx, g, Rep{10, 4, 2}, 3)
		y := Gate(x)
		return []*Node{y.Degree(0), y.Degree(1), y.Degree(2)}
	})
	require.NoError(t, outputs[0].Shape().CheckDims(3, 1, 4)) // 10 - (4+2) kept.
	require.NoError(t, outputs[1].Shape().CheckDims(3, 3, 4))
	require.NoError(t, outputs[2].Shape().CheckDims(3, 5, 2))
}

func ExampleFeedForward() {
	fmt.Println(Rep{8, 4, 2})
	// Output: {0: 8, 1: 4, 2: 2}
}
