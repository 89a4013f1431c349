// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package equiformer implements an SE(3)-equivariant transformer over point
// clouds for GoMLX.
//
// Inputs are token ids and 3d coordinates per node, with an optional padding
// mask. Features are degree-typed: degree 0 channels are rotation invariant,
// degree l channels transform with the Wigner-D matrix of degree l. The model
// interleaves equivariant multi-head attention with gated feed-forward
// blocks, both built on a depthwise tensor-product convolution whose rotation
// bases are computed host-side and cached (package so3).
//
// Outputs are invariant under translations of the coordinates and equivariant
// under rotations: rotating the input coordinates rotates Output.Vectors and
// leaves Output.Invariant unchanged.
package equiformer

import (
	"fmt"

	"github.com/gomlx/equiformer/attention"
	"github.com/gomlx/equiformer/dtp"
	"github.com/gomlx/equiformer/fiber"
	"github.com/gomlx/equiformer/so3"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Model holds the hyperparameters of the transformer. Create it with New,
// adjust it with the With... methods and call Forward to build the
// computation on a graph. The same Model can be used for many graphs.
type Model struct {
	rep          fiber.Rep
	depth        int
	heads        int
	headRep      fiber.Rep
	attendSelf   bool
	score        attention.ScoreMode
	globalHeads  int
	maxNeighbors int
	validRadius  float64
	maxDist      float64
	numTokens    int
	numPositions int
	ffMult       int
	reduced      bool
	pooled       bool
	cache        *so3.BasisCache
	nan          *nanlogger.NanLogger
	dtype        dtypes.DType
}

// Output of Model.Forward.
type Output struct {
	// Invariant holds the degree-0 features, [batch, nodes, channels], or
	// [batch, nodes] with WithReducedOutput.
	Invariant *Node

	// Vectors holds the degree-1 features as cartesian (x, y, z)
	// components, [batch, nodes, 3, channels], or [batch, nodes, 3] with
	// WithReducedOutput.
	Vectors *Node

	// Pooled is the masked mean of Invariant over the nodes, [batch,
	// channels] (or [batch]). Only set with WithPooledOutput.
	Pooled *Node
}

// New creates a Model with the given hidden representation, e.g.
// fiber.Rep{64, 32, 16} for 64 invariant channels, 32 vector channels and 16
// degree-2 channels. The representation needs at least degrees 0 and 1.
//
// WithNumTokens is mandatory; everything else has defaults.
func New(rep fiber.Rep) *Model {
	return &Model{
		rep:        rep,
		depth:      4,
		heads:      4,
		attendSelf: true,
		score:      attention.ScoreMLP,
		ffMult:     2,
		cache:      so3.DefaultCache,
	}
}

// WithNumTokens sets the vocabulary size of the token embedding. Required.
func (m *Model) WithNumTokens(n int) *Model {
	m.numTokens = n
	return m
}

// WithNumPositions enables a learned positional embedding over the node
// index, for inputs where node order carries meaning (e.g. residue order).
// 0 (the default) disables it.
func (m *Model) WithNumPositions(n int) *Model {
	m.numPositions = n
	return m
}

// WithDepth sets the number of transformer layers. Default 4.
func (m *Model) WithDepth(depth int) *Model {
	m.depth = depth
	return m
}

// WithHeads sets the number of attention heads per layer. Default 4.
func (m *Model) WithHeads(heads int) *Model {
	m.heads = heads
	return m
}

// WithHeadRep sets the per-head channels per degree of the attention
// queries, keys and values. Defaults to the hidden channels divided by the
// number of heads.
func (m *Model) WithHeadRep(rep fiber.Rep) *Model {
	m.headRep = rep
	return m
}

// WithAttendSelf sets whether nodes attend to themselves alongside their
// neighbors. Default true.
func (m *Model) WithAttendSelf(enabled bool) *Model {
	m.attendSelf = enabled
	return m
}

// WithScore sets the attention logit mode. Default attention.ScoreMLP.
func (m *Model) WithScore(mode attention.ScoreMode) *Model {
	m.score = mode
	return m
}

// WithGlobalHeads adds heads of linear all-to-all attention over the
// invariant features on every layer. 0 (the default) disables them.
func (m *Model) WithGlobalHeads(heads int) *Model {
	m.globalHeads = heads
	return m
}

// WithMaxNeighbors caps the number of neighbors each node attends to, keeping
// the nearest ones. 0 (the default) keeps all other nodes.
func (m *Model) WithMaxNeighbors(k int) *Model {
	m.maxNeighbors = k
	return m
}

// WithValidRadius masks out neighbors farther than radius. 0 (the default)
// disables the cut.
func (m *Model) WithValidRadius(radius float64) *Model {
	m.validRadius = radius
	return m
}

// WithMaxDistance sets the distance scale of the radial networks. Defaults
// to the valid radius when one is set, otherwise to the largest distance in
// the batch.
func (m *Model) WithMaxDistance(d float64) *Model {
	m.maxDist = d
	return m
}

// WithFeedForwardMultiplier sets the widening factor of the feed-forward
// blocks. Default 2.
func (m *Model) WithFeedForwardMultiplier(mult int) *Model {
	m.ffMult = mult
	return m
}

// WithReducedOutput projects the outputs down to one invariant scalar and
// one vector per node.
func (m *Model) WithReducedOutput(enabled bool) *Model {
	m.reduced = enabled
	return m
}

// WithPooledOutput also returns the masked mean of the invariant output over
// the nodes.
func (m *Model) WithPooledOutput(enabled bool) *Model {
	m.pooled = enabled
	return m
}

// WithBasisCache overrides the pair-basis cache shared by the convolutions.
func (m *Model) WithBasisCache(cache *so3.BasisCache) *Model {
	m.cache = cache
	return m
}

// WithNanLogger traces the attention output of every layer with the given
// logger, to locate the first layer producing NaN or Inf when training at
// low precision. Attach the logger to the executor running the model.
func (m *Model) WithNanLogger(l *nanlogger.NanLogger) *Model {
	m.nan = l
	return m
}

// WithDType sets the dtype the model computes in; the coordinates are
// converted to it. Defaults to the coordinates' dtype.
func (m *Model) WithDType(dtype dtypes.DType) *Model {
	m.dtype = dtype
	return m
}

func (m *Model) validate() {
	m.rep.Assert()
	if m.rep.MaxDegree() < 1 || m.rep.Channels(0) == 0 || m.rep.Channels(1) == 0 {
		panic(errors.Wrapf(fiber.ErrConfiguration,
			"model representation needs degree-0 and degree-1 channels, got %s", m.rep))
	}
	if m.numTokens <= 0 {
		panic(errors.Wrapf(fiber.ErrConfiguration,
			"WithNumTokens is required, got %d", m.numTokens))
	}
	if m.depth < 1 {
		panic(errors.Wrapf(fiber.ErrConfiguration, "depth must be positive, got %d", m.depth))
	}
	if m.heads < 1 {
		panic(errors.Wrapf(fiber.ErrConfiguration, "heads must be positive, got %d", m.heads))
	}
	if m.headRep != nil && m.headRep.MaxDegree() != m.rep.MaxDegree() {
		panic(errors.Wrapf(fiber.ErrConfiguration,
			"head representation %s must cover the same degrees as %s", m.headRep, m.rep))
	}
	if m.ffMult < 1 {
		panic(errors.Wrapf(fiber.ErrConfiguration,
			"feed-forward multiplier must be positive, got %d", m.ffMult))
	}
}

// Forward builds the model on the graph of its inputs and returns its
// outputs. tokens are integer ids shaped [batch, nodes], coords are shaped
// [batch, nodes, 3] with cartesian (x, y, z) components, and mask is either
// nil or a boolean [batch, nodes] marking the valid nodes.
//
// Variables are created in (or reused from) ctx; call it with a scope if the
// model is part of a larger one.
func (m *Model) Forward(ctx *context.Context, tokens, coords, mask *Node) *Output {
	return m.ForwardWithAdjacency(ctx, tokens, coords, mask, nil)
}

// ForwardWithAdjacency is Forward with a boolean adjacency matrix [batch,
// nodes, nodes] restricting which pairs may become neighbors, e.g. chemical
// bonds. adjacency[b][i][j] allows node i to attend to node j.
func (m *Model) ForwardWithAdjacency(ctx *context.Context, tokens, coords, mask, adjacency *Node) *Output {
	m.validate()
	ctx = ctx.In("equiformer")

	if coords.Rank() != 3 || coords.Shape().Dim(-1) != 3 {
		panic(errors.Wrapf(fiber.ErrShapeMismatch,
			"coords must be [batch, nodes, 3], got %s", coords.Shape()))
	}
	batch, nodes := coords.Shape().Dim(0), coords.Shape().Dim(1)
	if tokens.Rank() != 2 || tokens.Shape().Dim(0) != batch || tokens.Shape().Dim(1) != nodes {
		panic(errors.Wrapf(fiber.ErrShapeMismatch,
			"tokens must be [%d, %d], got %s", batch, nodes, tokens.Shape()))
	}
	if mask != nil && (mask.Rank() != 2 || mask.DType() != dtypes.Bool) {
		panic(errors.Wrapf(fiber.ErrShapeMismatch,
			"mask must be a boolean [batch, nodes], got %s", mask.Shape()))
	}
	dtype := m.dtype
	if dtype == dtypes.InvalidDType {
		dtype = coords.DType()
	}
	coords = ConvertDType(coords, dtype)

	// Neighborhood structure is shared by all layers.
	maxDist := m.maxDist
	if maxDist == 0 {
		maxDist = m.validRadius
	}
	edgesCfg := dtp.NewEdges(coords, mask, m.rep.MaxDegree())
	if m.maxNeighbors > 0 {
		edgesCfg.WithMaxNeighbors(m.maxNeighbors)
	}
	if m.validRadius > 0 {
		edgesCfg.WithValidRadius(m.validRadius)
	}
	if adjacency != nil {
		edgesCfg.WithAdjacency(adjacency)
	}
	edges := edgesCfg.Done()

	x := m.embed(ctx, tokens, coords, mask, edges, dtype, maxDist)

	for layer := 0; layer < m.depth; layer++ {
		lctx := ctx.Inf("layer_%d", layer)
		attended := attention.SelfAttention(
			lctx.In("attention"), fiber.Norm(lctx.In("attention_norm"), x), edges).
			WithHeads(m.heads).
			WithHeadRep(m.headRep).
			WithAttendSelf(m.attendSelf).
			WithScore(m.score).
			WithGlobalHeads(m.globalHeads).
			WithMaxDistance(maxDist).
			WithBasisCache(m.cache).
			Done()
		if m.nan != nil {
			m.nan.TraceFirstNaN(attended.Degree(0), fmt.Sprintf("layer_%d/attention", layer))
		}
		x = fiber.Add(x, attended)
		x = fiber.Add(x, fiber.FeedForward(
			lctx.In("ffn"), fiber.Norm(lctx.In("ffn_norm"), x), m.ffMult))
	}
	x = fiber.Norm(ctx.In("output_norm"), x)

	return m.readout(ctx, x, mask)
}

// embed builds the input fiber: token (and optional positional) embeddings
// as degree 0, centered coordinates as degree 1, then one convolution lifting
// them to the hidden representation.
func (m *Model) embed(ctx *context.Context, tokens, coords, mask *Node, edges *dtp.Edges, dtype dtypes.DType, maxDist float64) *fiber.Features {
	scalars := layers.Embedding(ctx.In("token_embed"), tokens, dtype, m.numTokens, m.rep.Channels(0))
	if m.numPositions > 0 {
		g := tokens.Graph()
		index := Iota(g, tokens.Shape(), 1)
		scalars = Add(scalars, layers.Embedding(
			ctx.In("position_embed"), index, dtype, m.numPositions, m.rep.Channels(0)))
	}

	// Centering the coordinates makes the degree-1 seed (and with it the
	// whole model) translation invariant.
	var maskAtCoords *Node
	if mask != nil {
		maskAtCoords = BroadcastToShape(InsertAxes(mask, -1), coords.Shape())
	}
	center := MaskedReduceMean(coords, maskAtCoords, 1)
	centered := Sub(coords, InsertAxes(center, 1))

	seed := fiber.NewFeatures(1).
		Set(0, InsertAxes(scalars, -2)).
		Set(1, so3.VectorsToFeature(centered))
	return dtp.Convolve(ctx.In("conv_in"), seed, edges, m.rep).
		WithMaxDistance(maxDist).
		WithBasisCache(m.cache).
		Done()
}

// readout assembles the Output record, optionally reducing per-node outputs
// to one scalar and one vector and pooling the invariants over the nodes.
func (m *Model) readout(ctx *context.Context, x *fiber.Features, mask *Node) *Output {
	invariant := Squeeze(x.Degree(0), -2)      // [b, n, c0]
	vectors := featureToCartesian(x.Degree(1)) // [b, n, 3, c1]
	if m.reduced {
		invariant = Squeeze(layers.Dense(ctx.In("invariant_readout"), invariant, true, 1), -1)
		vectors = Squeeze(layers.Dense(ctx.In("vector_readout"), vectors, false, 1), -1)
	}
	out := &Output{Invariant: invariant, Vectors: vectors}
	if m.pooled {
		var maskAtX *Node
		if mask != nil {
			maskAtX = mask
			if invariant.Rank() > mask.Rank() {
				maskAtX = BroadcastToShape(InsertAxes(mask, -1), invariant.Shape())
			}
		}
		out.Pooled = MaskedReduceMean(invariant, maskAtX, 1)
	}
	return out
}

// featureToCartesian reorders the degree-1 component axis from the harmonics
// order (y, z, x) used internally to cartesian (x, y, z). Input and output
// are shaped [..., 3, channels].
func featureToCartesian(v *Node) *Node {
	axis := v.Rank() - 2
	parts := make([]*Node, 3)
	for i, slot := range [3]int{2, 0, 1} { // x, y, z live in slots 2, 0, 1.
		specs := make([]SliceAxisSpec, v.Rank())
		for j := range specs {
			specs[j] = AxisRange()
		}
		specs[axis] = AxisElem(slot)
		parts[i] = Slice(v, specs...)
	}
	return Concatenate(parts, axis)
}
