// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fiber

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// ParamNormEpsilon is the context parameter with the epsilon used by Norm to
// clamp the denominator. Defaults to 1e-6.
const ParamNormEpsilon = "equivariant_norm_epsilon"

// Linear mixes channels with an independent learned matrix per degree. It
// never mixes components of different m, which keeps it equivariant; for the
// same reason only degree 0 gets a bias.
//
// Degrees absent from outRep are dropped; degrees present in outRep but
// absent from x panic wrapping ErrConfiguration.
func Linear(ctx *context.Context, x *Features, outRep Rep) *Features {
	outRep.Assert()
	ctx = ctx.In("equivariant_linear")
	out := NewFeatures(outRep.MaxDegree())
	for l := 0; l <= outRep.MaxDegree(); l++ {
		c := outRep.Channels(l)
		if c == 0 {
			continue
		}
		in := x.Degree(l)
		if in == nil {
			panic(errors.Wrapf(ErrConfiguration,
				"linear output representation %s needs degree %d, input %s does not carry it",
				outRep, l, x.Rep()))
		}
		out.Set(l, layers.Dense(ctx.Inf("degree_%d", l), in, l == 0, c))
	}
	return out
}

// Norm normalizes each degree by the root mean square (over channels) of the
// per-channel component norms, then applies a learned per-channel scale. The
// direction of each feature is untouched, so the layer is equivariant.
func Norm(ctx *context.Context, x *Features) *Features {
	ctx = ctx.In("equivariant_norm")
	epsilon := context.GetParamOr(ctx, ParamNormEpsilon, 1e-6)
	return x.Map(func(l int, v *graph.Node) *graph.Node {
		g := v.Graph()
		c := v.Shape().Dim(-1)
		norm := graph.L2Norm(v, v.Rank()-2)                                        // [..., 1, c]
		rms := graph.Sqrt(graph.ReduceAndKeep(graph.Square(norm), graph.ReduceMean, -1)) // [..., 1, 1]
		rms = graph.MaxScalar(rms, epsilon)
		scaleVar := ctx.Inf("degree_%d", l).WithInitializer(initializers.One).
			VariableWithShape("scale", shapes.Make(v.DType(), c)).SetTrainable(true)
		scaleDims := make([]int, v.Rank())
		for i := range scaleDims {
			scaleDims[i] = 1
		}
		scaleDims[v.Rank()-1] = c
		scale := graph.Reshape(scaleVar.ValueGraph(g), scaleDims...)
		return graph.Mul(graph.Div(v, rms), scale)
	})
}

// Gate is the equivariant nonlinearity: the trailing degree-0 channels are
// squashed through a sigmoid and used as gates that scale the higher-degree
// features channel-wise, while the remaining degree-0 channels pass through
// a Swish. Scaling a degree by an invariant keeps equivariance.
//
// The input degree-0 entry must carry NumGates extra channels beyond the
// ones it keeps; the output degree-0 entry is the kept part.
func Gate(x *Features) *Features {
	s0 := x.Degree(0)
	if s0 == nil {
		panic(errors.Wrap(ErrConfiguration, "gate needs degree-0 channels to derive gates from"))
	}
	numGates := x.Rep().NumGates()
	c0 := s0.Shape().Dim(-1)
	kept := c0 - numGates
	if kept <= 0 {
		panic(errors.Wrapf(ErrConfiguration,
			"gate needs more degree-0 channels (%d) than gates (%d)", c0, numGates))
	}
	out := NewFeatures(x.MaxDegree())
	out.Set(0, activations.Swish(sliceChannels(s0, 0, kept)))
	offset := kept
	for l := 1; l <= x.MaxDegree(); l++ {
		v := x.Degree(l)
		if v == nil {
			continue
		}
		c := v.Shape().Dim(-1)
		gates := graph.Sigmoid(sliceChannels(s0, offset, offset+c)) // [..., 1, c]
		out.Set(l, graph.Mul(v, gates))
		offset += c
	}
	return out
}

// FeedForward is the equivariant position-wise block: widen every degree by
// mult (plus the gate channels on degree 0), apply Gate and project back to
// the input representation.
func FeedForward(ctx *context.Context, x *Features, mult int) *Features {
	if mult < 1 {
		panic(errors.Wrapf(ErrConfiguration, "feed-forward multiplier must be >= 1, got %d", mult))
	}
	ctx = ctx.In("feed_forward")
	inRep := x.Rep()
	hidden := make(Rep, len(inRep))
	for l, c := range inRep {
		hidden[l] = c * mult
	}
	hidden[0] += hidden.NumGates()
	h := Linear(ctx.In("expand"), x, hidden)
	h = Gate(h)
	return Linear(ctx.In("project"), h, inRep)
}

// sliceChannels takes x[..., from:to] on the last axis.
func sliceChannels(x *graph.Node, from, to int) *graph.Node {
	specs := make([]graph.SliceAxisSpec, x.Rank())
	for i := range specs {
		specs[i] = graph.AxisRange()
	}
	specs[x.Rank()-1] = graph.AxisRange(from, to)
	return graph.Slice(x, specs...)
}
