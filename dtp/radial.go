// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtp

import (
	"github.com/gomlx/bsplines"
	bsplinesgomlx "github.com/gomlx/gomlx/pkg/ml/layers/bsplines"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// ParamRadialHiddenDim is the context parameter with the width of the
	// shared radial trunk. Defaults to 32.
	ParamRadialHiddenDim = "dtp_radial_hidden_dim"

	// ParamRadialEmbeddingDim is the context parameter with the number of
	// learned B-spline features the edge length is expanded into before the
	// trunk. 0 (the default) feeds the raw distance.
	ParamRadialEmbeddingDim = "dtp_radial_embedding_dim"

	// ParamRadialControlPoints is the context parameter with the number of
	// control points of the distance B-spline. Defaults to 8.
	ParamRadialControlPoints = "dtp_radial_control_points"
)

// DistanceEmbedding expands distances, shaped [...], into outputDim learned
// features, shaped [..., outputDim], by evaluating per-feature B-splines on
// the distance normalized by maxDist. If maxDist <= 0 the largest distance
// in the batch is used as the scale (with gradients stopped through it).
func DistanceEmbedding(ctx *context.Context, dist *graph.Node, outputDim, numControlPoints int, maxDist float64) *graph.Node {
	g := dist.Graph()
	dtype := dist.DType()
	ctx = ctx.In("distance_embedding")

	var scale *graph.Node
	if maxDist > 0 {
		scale = graph.Scalar(g, dtype, maxDist)
	} else {
		scale = graph.StopGradient(graph.MaxScalar(graph.ReduceAllMax(dist), 1e-6))
	}
	normalized := graph.Div(dist, scale)

	b := bsplines.NewRegular(2, numControlPoints).WithExtrapolation(bsplines.ExtrapolateConstant)
	controlPoints := ctx.VariableWithShape("control_points",
		shapes.Make(dtype, 1, outputDim, numControlPoints)).ValueGraph(g)

	total := normalized.Shape().Size()
	flat := graph.Reshape(normalized, total, 1)
	out := bsplinesgomlx.Evaluate(b, flat, controlPoints) // [total, outputDim, 1]
	outDims := append(dist.Shape().Clone().Dimensions, outputDim)
	return graph.Reshape(out, outDims...)
}

// radial is the learned map from invariant edge features (length, optional
// extra scalars) to depthwise weights. One trunk is shared by all degree
// pairs of a convolution; each pair reads its weights from its own head.
type radial struct {
	ctx    *context.Context
	hidden *graph.Node // [batch, nodes, k, hiddenDim]
}

func newRadial(ctx *context.Context, edges *Edges, maxDist float64) *radial {
	ctx = ctx.In("radial")
	hiddenDim := context.GetParamOr(ctx, ParamRadialHiddenDim, 32)
	embedDim := context.GetParamOr(ctx, ParamRadialEmbeddingDim, 0)
	numControlPoints := context.GetParamOr(ctx, ParamRadialControlPoints, 8)

	var distFeatures *graph.Node
	if embedDim > 0 {
		distFeatures = DistanceEmbedding(ctx, edges.Dist, embedDim, numControlPoints, maxDist)
	} else {
		distFeatures = graph.InsertAxes(edges.Dist, -1)
	}
	inputs := distFeatures
	if edges.Scalars != nil {
		inputs = graph.Concatenate([]*graph.Node{distFeatures, edges.Scalars}, -1)
	}

	hidden := layers.Dense(ctx.In("trunk"), inputs, true, hiddenDim)
	hidden = activations.Gelu(hidden)
	hidden = layers.LayerNormalization(ctx.In("trunk"), hidden, -1).Done()
	return &radial{ctx: ctx, hidden: hidden}
}

// pairWeights returns the depthwise weights of the (lIn, lOut) pair, shaped
// [batch, nodes, k, channels].
func (r *radial) pairWeights(lIn, lOut, channels int) *graph.Node {
	headCtx := r.ctx.Inf("head_%d_%d", lIn, lOut)
	return layers.Dense(headCtx, r.hidden, true, channels)
}
