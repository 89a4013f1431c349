// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtp implements the depthwise tensor-product convolution of
// SE(3)-equivariant networks: messages are exchanged along edges of a
// k-nearest-neighbor graph, each edge rotated into the canonical frame where
// its direction is the +z axis, mixed with the degree-pair coupling matrices
// (see so3.PairBasis), scaled by learned radial weights of the edge length
// and rotated back.
package dtp

import (
	"github.com/gomlx/equiformer/fiber"
	"github.com/gomlx/equiformer/so3"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// Edges is the neighborhood structure of one forward pass: which nodes talk
// to which, their relative geometry and the frame alignment of every edge.
// It is built once and shared by every convolution and attention layer of a
// stack, so the k-NN selection and the Wigner matrices are not recomputed
// per layer.
type Edges struct {
	// Indices of the selected neighbors, shaped [batch, nodes, k], Int32.
	Indices *graph.Node

	// Mask is true for edges that exist: within the radius, not the node
	// itself and with both endpoints valid. Shaped [batch, nodes, k].
	Mask *graph.Node

	// RelVec are the relative positions sender minus receiver, shaped
	// [batch, nodes, k, 3], components (x, y, z). Zeroed on masked edges.
	RelVec *graph.Node

	// Dist are the edge lengths, shaped [batch, nodes, k]. Zeroed on masked
	// edges.
	Dist *graph.Node

	// Scalars are optional extra invariant edge features, shaped
	// [batch, nodes, k, s]. May be nil.
	Scalars *graph.Node

	// NodeMask is the per-node validity mask given to NewEdges, shaped
	// [batch, nodes]. Nil when every node is valid.
	NodeMask *graph.Node

	// Alignment rotates degree-typed features into each edge's canonical
	// frame.
	Alignment *so3.Alignment

	gatherIndices *graph.Node // [batch, nodes, k, 2]: (batch index, neighbor index).
}

// EdgesConfig is created with NewEdges and configured with the With...
// methods before calling Done.
type EdgesConfig struct {
	positions, mask, adjacency, scalars *graph.Node
	maxNeighbors                        int
	validRadius                         float64
	maxDegree                           int
}

// NewEdges selects the neighborhoods for positions, shaped
// [batch, nodes, 3], and builds the per-edge geometry for degrees up to
// maxDegree.
//
// mask is optional ([batch, nodes], bool): false marks padding nodes, which
// neither send nor receive messages.
//
// The returned config is finished with Done; by default every other node is
// a neighbor, with no distance cutoff.
func NewEdges(positions, mask *graph.Node, maxDegree int) *EdgesConfig {
	if positions.Rank() != 3 || positions.Shape().Dim(-1) != 3 {
		panic(errors.Wrapf(fiber.ErrShapeMismatch,
			"positions must be shaped [batch, nodes, 3], got %s", positions.Shape()))
	}
	if mask != nil && mask.Rank() != 2 {
		panic(errors.Wrapf(fiber.ErrShapeMismatch,
			"nodes mask must be shaped [batch, nodes], got %s", mask.Shape()))
	}
	return &EdgesConfig{positions: positions, mask: mask, maxDegree: maxDegree}
}

// WithMaxNeighbors caps the number of neighbors per node. Values below 1 or
// above nodes-1 mean all other nodes.
func (c *EdgesConfig) WithMaxNeighbors(k int) *EdgesConfig {
	c.maxNeighbors = k
	return c
}

// WithValidRadius masks out edges longer than radius. Zero or negative means
// no cutoff. Neighbors are still chosen by distance first, so the cap of
// WithMaxNeighbors applies before the cutoff.
func (c *EdgesConfig) WithValidRadius(radius float64) *EdgesConfig {
	c.validRadius = radius
	return c
}

// WithAdjacency restricts edges to pairs marked true in the adjacency
// matrix, shaped [batch, nodes, nodes] (receiver, sender).
func (c *EdgesConfig) WithAdjacency(adjacency *graph.Node) *EdgesConfig {
	c.adjacency = adjacency
	return c
}

// WithScalars attaches extra invariant features per candidate edge, shaped
// [batch, nodes, nodes, s]; the selected neighbors' rows are carried into
// Edges.Scalars.
func (c *EdgesConfig) WithScalars(scalars *graph.Node) *EdgesConfig {
	c.scalars = scalars
	return c
}

// Done builds the Edges.
func (c *EdgesConfig) Done() *Edges {
	positions := c.positions
	g := positions.Graph()
	dtype := positions.DType()
	numNodes := positions.Shape().Dim(1)

	k := c.maxNeighbors
	if k < 1 || k > numNodes-1 {
		k = numNodes - 1
	}
	if k < 1 {
		// Single node: keep one slot so the shapes stay regular; its only
		// candidate is the node itself, which selection below always masks.
		k = 1
	}

	// All-pairs relative positions and distances, [batch, nodes, nodes, ...].
	rel := graph.Sub(graph.InsertAxes(positions, 1), graph.InsertAxes(positions, 2))
	dist := graph.Sqrt(graph.ReduceSum(graph.Square(rel), -1))

	// Nodes never neighbor themselves, padding nodes, nodes beyond the
	// adjacency and (optionally) nodes beyond the radius are pushed to
	// infinite distance so TopK never prefers them and the mask can be read
	// off the selected values.
	inf := graph.Infinity(g, dtype, 1)
	selection := dist
	self := graph.Equal(graph.Iota(g, dist.Shape(), 1), graph.Iota(g, dist.Shape(), 2))
	selection = graph.Where(self, inf, selection)
	if c.mask != nil {
		sender := graph.BroadcastToShape(graph.InsertAxes(c.mask, 1), self.Shape())
		selection = graph.Where(sender, selection, inf)
	}
	if c.adjacency != nil {
		selection = graph.Where(c.adjacency, selection, inf)
	}
	if c.validRadius > 0 {
		selection = graph.Where(graph.GreaterThan(selection, graph.Scalar(g, dtype, c.validRadius)), inf, selection)
	}

	negDist, indices := graph.TopK(graph.Neg(selection), k, -1)
	neighborDist := graph.Neg(negDist)
	mask := graph.IsFinite(neighborDist)
	if c.mask != nil {
		// Padding receivers have no edges at all.
		mask = graph.And(mask, graph.BroadcastToShape(graph.InsertAxes(c.mask, -1), mask.Shape()))
	}

	batchIota := graph.ConvertDType(graph.Iota(g, indices.Shape(), 0), indices.DType())
	gatherIndices := graph.Stack([]*graph.Node{batchIota, indices}, -1)

	edges := &Edges{
		Indices:       indices,
		Mask:          mask,
		NodeMask:      c.mask,
		gatherIndices: gatherIndices,
	}

	neighborPos := edges.Gather(positions)                      // [batch, nodes, k, 3]
	relVec := graph.Sub(neighborPos, graph.InsertAxes(positions, 2))        // Sender minus receiver.
	maskVec := graph.BroadcastToShape(graph.InsertAxes(mask, -1), relVec.Shape())
	edges.RelVec = graph.Where(maskVec, relVec, graph.ZerosLike(relVec))
	edges.Dist = graph.Where(mask, neighborDist, graph.ZerosLike(neighborDist))
	edges.Alignment = so3.NewAlignment(edges.RelVec, c.maxDegree)

	if c.scalars != nil {
		picked := gatherEdgeScalars(c.scalars, indices)
		maskScalars := graph.BroadcastToShape(graph.InsertAxes(mask, -1), picked.Shape())
		edges.Scalars = graph.Where(maskScalars, picked, graph.ZerosLike(picked))
	}
	return edges
}

// Gather picks the per-neighbor rows of a per-node tensor: x shaped
// [batch, nodes, ...] becomes [batch, nodes, k, ...], entry (b, i, j) being
// x[b, Indices[b, i, j]].
func (e *Edges) Gather(x *graph.Node) *graph.Node {
	return graph.Gather(x, e.gatherIndices)
}

// NumNeighbors is k, the number of neighbor slots per node.
func (e *Edges) NumNeighbors() int {
	return e.Indices.Shape().Dim(-1)
}

// gatherEdgeScalars picks scalars[b, i, indices[b, i, j], :] out of a
// [batch, nodes, nodes, s] tensor.
func gatherEdgeScalars(scalars *graph.Node, indices *graph.Node) *graph.Node {
	g := scalars.Graph()
	shape := indices.Shape()
	batchIota := graph.ConvertDType(graph.Iota(g, shape, 0), indices.DType())
	receiverIota := graph.ConvertDType(graph.Iota(g, shape, 1), indices.DType())
	full := graph.Stack([]*graph.Node{batchIota, receiverIota, indices}, -1) // [batch, nodes, k, 3]
	return graph.Gather(scalars, full)
}
