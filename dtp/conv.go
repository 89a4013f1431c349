// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtp

import (
	"github.com/gomlx/equiformer/fiber"
	"github.com/gomlx/equiformer/so3"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// ConvConfig is created with Convolve and configured with the With...
// methods before calling Done.
type ConvConfig struct {
	ctx             *context.Context
	x               *fiber.Features
	edges           *Edges
	outRep          fiber.Rep
	selfInteraction bool
	pool            bool
	maxDist         float64
	cache           *so3.BasisCache
}

// Convolve builds the depthwise tensor-product convolution: for every edge
// and every degree pair (lIn, lOut), the sender's degree-lIn features are
// mixed to the output width, rotated into the edge's canonical frame,
// coupled into degree lOut with the pair basis, scaled channel-wise by a
// learned function of the edge length and rotated back. Contributions are
// summed over input degrees.
//
// x holds per-node features shaped [batch, nodes, 2l+1, channels]; edges is
// the neighborhood built by NewEdges for at least the degrees of x and
// outRep.
//
// By default messages are mean-pooled over valid neighbors into per-node
// features and a self-interaction (a per-degree linear map of the node's own
// features) is added. WithPool(false) returns the per-edge messages instead,
// shaped [batch, nodes, k, 2l+1, channels], which is what attention layers
// consume as keys and values.
func Convolve(ctx *context.Context, x *fiber.Features, edges *Edges, outRep fiber.Rep) *ConvConfig {
	outRep.Assert()
	x.AssertSameBatch()
	maxDegree := max(outRep.MaxDegree(), x.Rep().MaxDegree())
	if maxDegree > edges.Alignment.MaxDegree() {
		panic(errors.Wrapf(fiber.ErrConfiguration,
			"edges were aligned up to degree %d, convolution needs degree %d",
			edges.Alignment.MaxDegree(), maxDegree))
	}
	return &ConvConfig{
		ctx:             ctx,
		x:               x,
		edges:           edges,
		outRep:          outRep,
		selfInteraction: true,
		pool:            true,
		cache:           so3.DefaultCache,
	}
}

// WithSelfInteraction sets whether each node's own features are linearly
// mapped and added to the pooled messages. Default true; ignored when
// pooling is disabled.
func (c *ConvConfig) WithSelfInteraction(enabled bool) *ConvConfig {
	c.selfInteraction = enabled
	return c
}

// WithPool sets whether messages are mean-pooled over the valid neighbors.
// Default true.
func (c *ConvConfig) WithPool(enabled bool) *ConvConfig {
	c.pool = enabled
	return c
}

// WithMaxDistance sets the distance scale of the radial network's spline
// embedding. Defaults to the largest distance in the batch.
func (c *ConvConfig) WithMaxDistance(d float64) *ConvConfig {
	c.maxDist = d
	return c
}

// WithBasisCache overrides the pair-basis cache, so3.DefaultCache by
// default.
func (c *ConvConfig) WithBasisCache(cache *so3.BasisCache) *ConvConfig {
	c.cache = cache
	return c
}

// Done builds the convolution and returns the output fiber.
func (c *ConvConfig) Done() *fiber.Features {
	ctx := c.ctx.In("dtp_conv")
	x, edges := c.x, c.edges
	g := x.Graph()
	dtype := x.DType()
	inRep := x.Rep()

	rad := newRadial(ctx, edges, c.maxDist)
	edgeMask := graph.ConvertDType(graph.InsertAxes(edges.Mask, -1, -1), dtype) // [b, n, k, 1, 1]

	out := fiber.NewFeatures(c.outRep.MaxDegree())
	for lOut := 0; lOut <= c.outRep.MaxDegree(); lOut++ {
		cOut := c.outRep.Channels(lOut)
		if cOut == 0 {
			continue
		}
		var messages *graph.Node
		for lIn := 0; lIn <= inRep.MaxDegree(); lIn++ {
			in := x.Degree(lIn)
			if in == nil {
				continue
			}
			pairCtx := ctx.Inf("pair_%d_%d", lIn, lOut)
			premixed := layers.Dense(pairCtx, in, false, cOut)    // [b, n, dIn, c]
			gathered := edges.Gather(premixed)                    // [b, n, k, dIn, c]
			aligned := edges.Alignment.Rotate(lIn, gathered)      // [b, n, k, dIn, c]
			basis := c.cache.BasisGraph(g, lIn, lOut, dtype)      // [dOut, dIn]
			coupled := graph.EinsumAxes(aligned, basis, [][2]int{{3, 1}}, nil) // [b, n, k, c, dOut]
			coupled = graph.Transpose(coupled, 3, 4)                    // [b, n, k, dOut, c]
			weights := rad.pairWeights(lIn, lOut, cOut)           // [b, n, k, c]
			coupled = graph.Mul(coupled, graph.InsertAxes(weights, -2))
			if messages == nil {
				messages = coupled
			} else {
				messages = graph.Add(messages, coupled)
			}
		}
		messages = edges.Alignment.RotateBack(lOut, messages)
		messages = graph.Mul(messages, edgeMask)

		if !c.pool {
			out.Set(lOut, messages)
			continue
		}

		// Mean over the valid neighbors; isolated nodes get zeros.
		counts := graph.ReduceSum(graph.ConvertDType(edges.Mask, dtype), -1) // [b, n]
		denom := graph.InsertAxes(graph.MaxScalar(counts, 1), -1, -1)
		pooled := graph.Div(graph.ReduceSum(messages, 2), denom)

		if c.selfInteraction && x.Degree(lOut) != nil {
			self := layers.Dense(ctx.Inf("self_interaction_%d", lOut), x.Degree(lOut), lOut == 0, cOut)
			pooled = graph.Add(pooled, self)
		}
		out.Set(lOut, pooled)
	}
	return out
}
