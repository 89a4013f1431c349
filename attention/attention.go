// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements multi-head attention between the nodes of an
// SE(3)-equivariant network.
//
// Queries are linear maps of the receiver's features; keys and values are
// per-edge messages of the depthwise tensor-product convolution, so they see
// the edge geometry. Attention logits are rotation invariant (either an MLP
// of invariant features or negated query-key distances), which keeps the
// attention-weighted sum of values equivariant.
package attention

import (
	"math"

	"github.com/gomlx/equiformer/dtp"
	"github.com/gomlx/equiformer/fiber"
	"github.com/gomlx/equiformer/so3"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// ScoreMode selects how attention logits are computed.
type ScoreMode int

const (
	// ScoreMLP feeds the invariant features of the query, the message and
	// the edge into a small MLP, one logit per head. The default.
	ScoreMLP ScoreMode = iota

	// ScoreDistance scores by the negated squared distance between query
	// and key across all degrees, scaled by the feature dimension.
	ScoreDistance
)

// String implements fmt.Stringer.
func (m ScoreMode) String() string {
	switch m {
	case ScoreMLP:
		return "ScoreMLP"
	case ScoreDistance:
		return "ScoreDistance"
	default:
		return "ScoreMode(?)"
	}
}

const (
	// ParamScoreHiddenDim is the context parameter with the hidden width of
	// the ScoreMLP head. Defaults to 32.
	ParamScoreHiddenDim = "equivariant_attention_score_hidden_dim"

	// ParamGlobalHeadDim is the context parameter with the per-head width
	// of the linear global attention. Defaults to 16.
	ParamGlobalHeadDim = "equivariant_attention_global_head_dim"
)

// Config is created with SelfAttention and configured with the With...
// methods before calling Done.
type Config struct {
	ctx         *context.Context
	x           *fiber.Features
	edges       *dtp.Edges
	heads       int
	headRep     fiber.Rep
	attendSelf  bool
	score       ScoreMode
	globalHeads int
	maxDist     float64
	cache       *so3.BasisCache
}

// SelfAttention builds equivariant multi-head attention over the neighbors
// in edges. The output has the representation of x; residual connections and
// normalization are up to the caller.
//
// Every degree is split into the same number of heads (the per-degree head
// widths may differ); a single softmax per head weighs whole edges, so all
// degrees of a value message are mixed with the same weights, which is what
// keeps the layer equivariant.
func SelfAttention(ctx *context.Context, x *fiber.Features, edges *dtp.Edges) *Config {
	x.AssertSameBatch()
	if x.Degree(0) == nil {
		panic(errors.Wrap(fiber.ErrConfiguration, "attention requires degree-0 features"))
	}
	return &Config{
		ctx:        ctx,
		x:          x,
		edges:      edges,
		heads:      4,
		attendSelf: true,
		score:      ScoreMLP,
		cache:      so3.DefaultCache,
	}
}

// WithHeads sets the number of attention heads, uniform across degrees.
// Default 4.
func (c *Config) WithHeads(heads int) *Config {
	c.heads = heads
	return c
}

// WithHeadRep sets the per-head channels per degree of queries, keys and
// values. Defaults to the input channels divided by the number of heads,
// which then must divide evenly.
func (c *Config) WithHeadRep(rep fiber.Rep) *Config {
	c.headRep = rep
	return c
}

// WithAttendSelf sets whether each node also attends to itself through a
// learned self key/value, competing in the same softmax as its edges.
// Default true.
func (c *Config) WithAttendSelf(enabled bool) *Config {
	c.attendSelf = enabled
	return c
}

// WithScore sets how logits are computed. Default ScoreMLP.
func (c *Config) WithScore(mode ScoreMode) *Config {
	c.score = mode
	return c
}

// WithGlobalHeads adds heads of linear (all-to-all) attention over the
// degree-0 features, added to the degree-0 output. 0 (the default) disables
// them.
func (c *Config) WithGlobalHeads(heads int) *Config {
	c.globalHeads = heads
	return c
}

// WithMaxDistance sets the distance scale of the key/value convolution's
// radial network.
func (c *Config) WithMaxDistance(d float64) *Config {
	c.maxDist = d
	return c
}

// WithBasisCache overrides the pair-basis cache used by the key/value
// convolution.
func (c *Config) WithBasisCache(cache *so3.BasisCache) *Config {
	c.cache = cache
	return c
}

// Done builds the attention layer and returns the output fiber, with the
// same representation as the input.
func (c *Config) Done() *fiber.Features {
	ctx := c.ctx.In("equivariant_attention")
	x, edges := c.x, c.edges
	g := x.Graph()
	inRep := x.Rep()

	if c.heads < 1 {
		panic(errors.Wrapf(fiber.ErrConfiguration, "attention needs at least 1 head, got %d", c.heads))
	}
	headRep := c.headRep
	if headRep == nil {
		headRep = make(fiber.Rep, len(inRep))
		for l, channels := range inRep {
			if channels == 0 {
				continue
			}
			if channels%c.heads != 0 {
				panic(errors.Wrapf(fiber.ErrConfiguration,
					"degree %d channels (%d) not divisible by %d heads; set WithHeadRep explicitly",
					l, channels, c.heads))
			}
			headRep[l] = channels / c.heads
		}
	}
	headRep.Assert()

	hiddenRep := make(fiber.Rep, len(headRep))
	kvRep := make(fiber.Rep, len(headRep))
	for l, channels := range headRep {
		hiddenRep[l] = channels * c.heads
		kvRep[l] = 2 * channels * c.heads
	}

	queries := fiber.Linear(ctx.In("query"), x, hiddenRep)
	kv := dtp.Convolve(ctx.In("key_value"), x, edges, kvRep).
		WithPool(false).
		WithSelfInteraction(false).
		WithMaxDistance(c.maxDist).
		WithBasisCache(c.cache).
		Done()

	edgeMask := edges.Mask // [b, n, slots]
	edgeDist := edges.Dist
	if c.attendSelf {
		selfKV := fiber.Linear(ctx.In("self_key_value"), x, kvRep)
		kv = kv.Map(func(l int, v *Node) *Node {
			return Concatenate([]*Node{InsertAxes(selfKV.Degree(l), 2), v}, 2)
		})
		var selfMask *Node
		if edges.NodeMask != nil {
			selfMask = InsertAxes(edges.NodeMask, -1)
		} else {
			selfMask = Ones(g, resizeLastAxis(edgeMask, 1))
		}
		edgeMask = Concatenate([]*Node{selfMask, edgeMask}, -1)
		edgeDist = Concatenate([]*Node{Zeros(g, resizeLastAxis(edgeDist, 1)), edgeDist}, -1)
	}
	numSlots := edgeMask.Shape().Dim(-1)

	// Split messages into keys and values, one set of axes per head.
	keys := fiber.NewFeatures(kv.MaxDegree())
	values := fiber.NewFeatures(kv.MaxDegree())
	for l := 0; l <= kv.MaxDegree(); l++ {
		msg := kv.Degree(l)
		if msg == nil {
			continue
		}
		width := c.heads * headRep.Channels(l)
		keys.Set(l, splitHeads(sliceChannels(msg, 0, width), c.heads))
		values.Set(l, splitHeads(sliceChannels(msg, width, 2*width), c.heads))
	}

	var logits *Node // [b, n, heads, slots]
	switch c.score {
	case ScoreDistance:
		logits = c.distanceLogits(queries, keys, headRep)
	case ScoreMLP:
		logits = c.mlpLogits(ctx.In("score"), queries, keys, edgeDist, numSlots)
	default:
		panic(errors.Wrapf(fiber.ErrConfiguration, "unknown attention score mode %d", c.score))
	}

	maskB := BroadcastToShape(InsertAxes(edgeMask, -2), logits.Shape())
	attn := MaskedSoftmax(logits, maskB, -1) // All-masked rows become zeros.

	out := fiber.NewFeatures(len(hiddenRep) - 1)
	for l := 0; l <= values.MaxDegree(); l++ {
		v := values.Degree(l)
		if v == nil {
			continue
		}
		// attn: [b, n, h, slots]; v: [b, n, slots, d, h, hd].
		weighted := EinsumAxes(attn, v, [][2]int{{3, 2}}, [][2]int{{0, 0}, {1, 1}, {2, 4}})
		weighted = Transpose(weighted, 2, 3) // [b, n, d, h, hd]
		out.Set(l, mergeHeads(weighted))
	}

	if c.globalHeads > 0 {
		global := c.globalAttention(ctx.In("global"), hiddenRep.Channels(0))
		out.Set(0, Add(out.Degree(0), InsertAxes(global, -2)))
	}

	return fiber.Linear(ctx.In("output"), out, inRep)
}

// distanceLogits scores each (query, key) pair by the negated squared
// euclidean distance across all degrees and per-head channels, scaled by the
// total width.
func (c *Config) distanceLogits(queries, keys *fiber.Features, headRep fiber.Rep) *Node {
	var total *Node
	width := 0
	for l := 0; l <= keys.MaxDegree(); l++ {
		k := keys.Degree(l)
		if k == nil {
			continue
		}
		q := splitHeads(queries.Degree(l), c.heads) // [b, n, d, h, hd]
		diff := Sub(InsertAxes(q, 2), k)            // [b, n, slots, d, h, hd]
		d2 := ReduceSum(Square(diff), 3, 5)         // [b, n, slots, h]
		if total == nil {
			total = d2
		} else {
			total = Add(total, d2)
		}
		width += so3.Order(l) * headRep.Channels(l)
	}
	logits := MulScalar(total, -1.0/math.Sqrt(float64(width)))
	return Transpose(logits, 2, 3) // [b, n, h, slots]
}

// mlpLogits scores edges with an MLP of invariant features: the receiver's
// degree-0 query, the message's degree-0 key and the edge length.
func (c *Config) mlpLogits(ctx *context.Context, queries, keys *fiber.Features, edgeDist *Node, numSlots int) *Node {
	hiddenDim := context.GetParamOr(ctx, ParamScoreHiddenDim, 32)

	q0 := Squeeze(queries.Degree(0), -2)             // [b, n, h*hd0]
	q0 = InsertAxes(q0, 2)                           // [b, n, 1, c]
	dims := q0.Shape().Clone().Dimensions
	dims[2] = numSlots
	q0 = BroadcastToDims(q0, dims...)                // [b, n, slots, c]
	k0 := mergeHeads(Squeeze(keys.Degree(0), -3))    // [b, n, slots, h*hd0]
	inputs := Concatenate([]*Node{q0, k0, InsertAxes(edgeDist, -1)}, -1)

	hidden := layers.Dense(ctx.In("hidden"), inputs, true, hiddenDim)
	hidden = activations.Gelu(hidden)
	logits := layers.Dense(ctx.In("logits"), hidden, true, c.heads) // [b, n, slots, h]
	return Transpose(logits, 2, 3)
}

// globalAttention is linear attention over the degree-0 features of all
// nodes: softmax over features for queries, over nodes for keys, so the cost
// stays linear in the number of nodes. Returns [batch, nodes, outDim].
func (c *Config) globalAttention(ctx *context.Context, outDim int) *Node {
	x0 := Squeeze(c.x.Degree(0), -2) // [b, n, c0]
	dim := context.GetParamOr(ctx, ParamGlobalHeadDim, 16)
	heads := c.globalHeads

	project := func(name string) *Node {
		return splitGlobalHeads(layers.Dense(ctx.In(name), x0, false, heads*dim), heads)
	}
	q := Softmax(project("query"), -1) // [b, n, h, dim]
	k := project("key")
	v := project("value")

	if c.edges.NodeMask != nil {
		mask := BroadcastToShape(InsertAxes(c.edges.NodeMask, -1, -1), k.Shape())
		k = MaskedSoftmax(k, mask, 1)
	} else {
		k = Softmax(k, 1)
	}

	// Per head, sum the outer products key (x) value over nodes, then read
	// them out with the queries.
	summary := EinsumAxes(k, v, [][2]int{{1, 1}}, [][2]int{{0, 0}, {2, 2}})  // [b, h, dim, dim]
	out := EinsumAxes(q, summary, [][2]int{{3, 2}}, [][2]int{{0, 0}, {2, 1}}) // [b, n, h, dim]
	b, n := out.Shape().Dim(0), out.Shape().Dim(1)
	out = Reshape(out, b, n, heads*dim)
	return layers.Dense(ctx.In("output"), out, false, outDim)
}

// splitHeads reshapes [..., d, h*hd] into [..., d, h, hd].
func splitHeads(x *Node, heads int) *Node {
	dims := x.Shape().Clone().Dimensions
	hd := dims[len(dims)-1] / heads
	newDims := append(dims[:len(dims)-1], heads, hd)
	return Reshape(x, newDims...)
}

// mergeHeads reshapes [..., h, hd] back into [..., h*hd].
func mergeHeads(x *Node) *Node {
	dims := x.Shape().Clone().Dimensions
	merged := dims[len(dims)-2] * dims[len(dims)-1]
	newDims := append(dims[:len(dims)-2], merged)
	return Reshape(x, newDims...)
}

// splitGlobalHeads reshapes [b, n, h*dim] into [b, n, h, dim].
func splitGlobalHeads(x *Node, heads int) *Node {
	dims := x.Shape().Clone().Dimensions
	return Reshape(x, dims[0], dims[1], heads, dims[2]/heads)
}

// sliceChannels takes x[..., from:to] on the last axis.
func sliceChannels(x *Node, from, to int) *Node {
	specs := make([]SliceAxisSpec, x.Rank())
	for i := range specs {
		specs[i] = AxisRange()
	}
	specs[x.Rank()-1] = AxisRange(from, to)
	return Slice(x, specs...)
}

// resizeLastAxis returns the shape of x with the last axis resized to dim.
func resizeLastAxis(x *Node, dim int) shapes.Shape {
	s := x.Shape().Clone()
	s.Dimensions[len(s.Dimensions)-1] = dim
	return s
}

