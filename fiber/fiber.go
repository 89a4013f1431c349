// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fiber represents the features of SE(3)-equivariant networks as
// collections of degree-typed tensors.
//
// A feature of degree l transforms under rotations with the (2l+1)
// dimensional Wigner matrix of that degree: degree 0 are ordinary invariant
// scalars, degree 1 are vectors (in the (y, z, x) component order of the
// real spherical harmonics), higher degrees are their tensor generalizations.
// A fiber carries an independent number of channels per degree; the channel
// counts are described by a Rep.
//
// Per-node features of degree l are shaped [batch..., 2l+1, channels], with
// the same leading axes across all degrees.
package fiber

import (
	"fmt"
	"strings"

	"github.com/gomlx/equiformer/so3"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is wrapped by panics raised on invalid layer or
	// representation configurations.
	ErrConfiguration = errors.New("invalid equivariant configuration")

	// ErrShapeMismatch is wrapped by panics raised when feature tensors do
	// not have the shapes their degrees require.
	ErrShapeMismatch = errors.New("feature shape mismatch")
)

// Rep describes the channel counts of a fiber: Rep[l] is the number of
// channels of degree l. A zero entry means the degree is absent.
type Rep []int

// Uniform returns a Rep with the same number of channels on every degree
// from 0 to maxDegree.
func Uniform(maxDegree, channels int) Rep {
	r := make(Rep, maxDegree+1)
	for l := range r {
		r[l] = channels
	}
	return r
}

// Scalars returns a degree-0 only Rep.
func Scalars(channels int) Rep {
	return Rep{channels}
}

// MaxDegree of the representation. -1 for an empty Rep.
func (r Rep) MaxDegree() int { return len(r) - 1 }

// Channels of the given degree, 0 if the degree is beyond the Rep.
func (r Rep) Channels(degree int) int {
	if degree < 0 || degree >= len(r) {
		return 0
	}
	return r[degree]
}

// NumGates is the total number of channels on degrees >= 1, which is the
// number of extra degree-0 channels a Gate consumes.
func (r Rep) NumGates() int {
	var total int
	for l := 1; l < len(r); l++ {
		total += r[l]
	}
	return total
}

// Equal reports whether two Reps have the same channels on every degree.
func (r Rep) Equal(other Rep) bool {
	maxLen := max(len(r), len(other))
	for l := 0; l < maxLen; l++ {
		if r.Channels(l) != other.Channels(l) {
			return false
		}
	}
	return true
}

// Assert panics (wrapping ErrConfiguration) unless the Rep is usable: at
// least one non-zero degree, no negative channel counts and a maximum degree
// the so3 tables support.
func (r Rep) Assert() {
	if r.MaxDegree() > so3.MaxSupportedDegree {
		panic(errors.Wrapf(ErrConfiguration, "representation %s exceeds the maximum supported degree %d",
			r, so3.MaxSupportedDegree))
	}
	anyChannels := false
	for l, c := range r {
		if c < 0 {
			panic(errors.Wrapf(ErrConfiguration, "representation %s has negative channels on degree %d", r, l))
		}
		anyChannels = anyChannels || c > 0
	}
	if !anyChannels {
		panic(errors.Wrapf(ErrConfiguration, "representation %s has no channels", r))
	}
}

// String formats the Rep as {degree: channels, ...}, skipping absent degrees.
func (r Rep) String() string {
	parts := make([]string, 0, len(r))
	for l, c := range r {
		if c > 0 {
			parts = append(parts, fmt.Sprintf("%d: %d", l, c))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Features is a fiber of graph nodes, one per degree. Entries may be nil for
// absent degrees. The degree-l entry is shaped [batch..., 2l+1, channels],
// with identical leading axes across degrees.
type Features struct {
	nodes []*graph.Node
}

// NewFeatures creates an empty fiber able to hold degrees 0..maxDegree.
func NewFeatures(maxDegree int) *Features {
	if maxDegree < 0 || maxDegree > so3.MaxSupportedDegree {
		panic(errors.Wrapf(ErrConfiguration, "maximum degree %d not in [0, %d]", maxDegree, so3.MaxSupportedDegree))
	}
	return &Features{nodes: make([]*graph.Node, maxDegree+1)}
}

// Set stores the feature tensor of the given degree. The tensor must be
// shaped [..., 2*degree+1, channels]. It returns the Features to allow
// chaining.
func (f *Features) Set(degree int, x *graph.Node) *Features {
	if degree < 0 || degree >= len(f.nodes) {
		panic(errors.Wrapf(ErrConfiguration, "degree %d outside fiber degrees [0, %d]", degree, f.MaxDegree()))
	}
	if x != nil {
		if x.Rank() < 2 || x.Shape().Dim(-2) != so3.Order(degree) {
			panic(errors.Wrapf(ErrShapeMismatch, "degree %d features must be shaped [..., %d, channels], got %s",
				degree, so3.Order(degree), x.Shape()))
		}
	}
	f.nodes[degree] = x
	return f
}

// Degree returns the feature tensor of the given degree, nil if absent.
func (f *Features) Degree(degree int) *graph.Node {
	if degree < 0 || degree >= len(f.nodes) {
		return nil
	}
	return f.nodes[degree]
}

// MaxDegree this fiber can hold. Entries up to it may still be nil.
func (f *Features) MaxDegree() int { return len(f.nodes) - 1 }

// Rep derives the channel counts from the stored tensors.
func (f *Features) Rep() Rep {
	r := make(Rep, len(f.nodes))
	for l, node := range f.nodes {
		if node != nil {
			r[l] = node.Shape().Dim(-1)
		}
	}
	return r
}

// Graph returns the graph of the first non-nil entry.
func (f *Features) Graph() *graph.Graph {
	for _, node := range f.nodes {
		if node != nil {
			return node.Graph()
		}
	}
	panic(errors.Wrap(ErrConfiguration, "empty fiber has no graph"))
}

// DType returns the dtype of the first non-nil entry.
func (f *Features) DType() dtypes.DType {
	for _, node := range f.nodes {
		if node != nil {
			return node.DType()
		}
	}
	panic(errors.Wrap(ErrConfiguration, "empty fiber has no dtype"))
}

// AssertSameBatch panics (wrapping ErrShapeMismatch) unless all stored
// degrees share the same leading (batch) axes.
func (f *Features) AssertSameBatch() {
	var ref *graph.Node
	for _, node := range f.nodes {
		if node == nil {
			continue
		}
		if ref == nil {
			ref = node
			continue
		}
		if !sameBatchDims(ref, node) {
			panic(errors.Wrapf(ErrShapeMismatch, "fiber entries %s and %s disagree on batch axes",
				ref.Shape(), node.Shape()))
		}
	}
}

func sameBatchDims(a, b *graph.Node) bool {
	if a.Rank() != b.Rank() {
		return false
	}
	for axis := 0; axis < a.Rank()-2; axis++ {
		if a.Shape().Dim(axis) != b.Shape().Dim(axis) {
			return false
		}
	}
	return true
}

// Add returns the degree-wise sum of two fibers with equal Reps. It is the
// residual connection of equivariant networks.
func Add(a, b *Features) *Features {
	if !a.Rep().Equal(b.Rep()) {
		panic(errors.Wrapf(ErrShapeMismatch, "cannot add fibers with representations %s and %s", a.Rep(), b.Rep()))
	}
	out := NewFeatures(a.MaxDegree())
	for l, node := range a.nodes {
		if node != nil {
			out.Set(l, graph.Add(node, b.Degree(l)))
		}
	}
	return out
}

// Map applies fn to every present degree, preserving absent ones.
func (f *Features) Map(fn func(degree int, x *graph.Node) *graph.Node) *Features {
	out := NewFeatures(f.MaxDegree())
	for l, node := range f.nodes {
		if node != nil {
			out.Set(l, fn(l, node))
		}
	}
	return out
}
