// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package so3

import (
	"math"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ErrInvalidDegree is returned (wrapped) when a degree is negative or larger
// than MaxSupportedDegree.
var ErrInvalidDegree = errors.New("invalid spherical harmonics degree")

// CheckDegree returns a wrapped ErrInvalidDegree if degree is outside the
// supported range. Most entry points panic with this error through
// exceptions.Panicf instead, this is for the few APIs that report errors.
func CheckDegree(degree int) error {
	if degree < 0 || degree > MaxSupportedDegree {
		return errors.Wrapf(ErrInvalidDegree, "degree %d not in [0, %d]", degree, MaxSupportedDegree)
	}
	return nil
}

// PairBasis returns the (2*lOut+1, 2*lIn+1) matrix that couples an input of
// degree lIn into an output of degree lOut across an edge whose relative
// position has been rotated onto the canonical z axis.
//
// With the edge frozen on the z axis the only surviving filter harmonic of
// degree J=|lOut-lIn| is the m=0 one, so the full Clebsch-Gordan coupling
// collapses to this single matrix, scaled by the value of the m=0 harmonic
// on the axis, sqrt((2J+1)/(4*pi)).
//
// The matrix commutes with rotations about z: for any angle the coupling of
// z-rotated inputs equals the z-rotation of coupled outputs, which is what
// makes the canonical-frame trick exact.
func PairBasis(lIn, lOut int) [][]float64 {
	j := abs(lOut - lIn)
	coupling := realCoupling(j, lIn, lOut)
	lambda := math.Sqrt(float64(2*j+1) / (4 * math.Pi))
	basis := make([][]float64, Order(lOut))
	for mOut := range basis {
		row := make([]float64, Order(lIn))
		for mIn := range row {
			row[mIn] = lambda * coupling[mOut][j][mIn]
		}
		basis[mOut] = row
	}
	return basis
}

type basisKey struct {
	lIn, lOut int
	dtype     dtypes.DType
}

type basisEntry struct {
	once   sync.Once
	tensor *tensors.Tensor
	err    error
}

// BasisCache memoizes PairBasis results as tensors, per (lIn, lOut, dtype).
// It is safe for concurrent use and computes each entry exactly once, even
// under concurrent first requests.
//
// The zero value is ready to use. Most callers share DefaultCache; models
// that want isolated lifetimes (tests, long-running servers that reload
// models) can carry their own.
type BasisCache struct {
	entries sync.Map // basisKey -> *basisEntry
}

// DefaultCache is the process-wide basis cache.
var DefaultCache = &BasisCache{}

// Basis returns the cached pair basis for (lIn, lOut) converted to dtype.
// The returned tensor has shape (2*lOut+1, 2*lIn+1) and must not be mutated.
func (c *BasisCache) Basis(lIn, lOut int, dtype dtypes.DType) (*tensors.Tensor, error) {
	if err := CheckDegree(lIn); err != nil {
		return nil, errors.WithMessage(err, "input degree")
	}
	if err := CheckDegree(lOut); err != nil {
		return nil, errors.WithMessage(err, "output degree")
	}
	key := basisKey{lIn: lIn, lOut: lOut, dtype: dtype}
	entryAny, _ := c.entries.LoadOrStore(key, &basisEntry{})
	entry := entryAny.(*basisEntry)
	entry.once.Do(func() {
		entry.tensor, entry.err = buildBasisTensor(lIn, lOut, dtype)
		if entry.err == nil {
			klog.V(2).Infof("so3: built pair basis (lIn=%d, lOut=%d, dtype=%s)", lIn, lOut, dtype)
		}
	})
	return entry.tensor, entry.err
}

// Clear drops every cached entry. Entries are rebuilt on demand.
func (c *BasisCache) Clear() {
	c.entries.Range(func(key, _ any) bool {
		c.entries.Delete(key)
		return true
	})
}

func buildBasisTensor(lIn, lOut int, dtype dtypes.DType) (t *tensors.Tensor, err error) {
	basis := PairBasis(lIn, lOut)
	rows, cols := Order(lOut), Order(lIn)
	flat := make([]float64, 0, rows*cols)
	for _, row := range basis {
		flat = append(flat, row...)
	}
	switch dtype {
	case dtypes.Float64:
		t = tensors.FromFlatDataAndDimensions(flat, rows, cols)
	case dtypes.Float32:
		data := make([]float32, len(flat))
		for i, v := range flat {
			data[i] = float32(v)
		}
		t = tensors.FromFlatDataAndDimensions(data, rows, cols)
	case dtypes.Float16:
		data := make([]float16.Float16, len(flat))
		for i, v := range flat {
			data[i] = float16.Fromfloat32(float32(v))
		}
		t = tensors.FromFlatDataAndDimensions(data, rows, cols)
	default:
		err = errors.Errorf("so3: pair basis not supported for dtype %s", dtype)
	}
	return
}

// BasisGraph inserts the cached pair basis for (lIn, lOut) as a constant in
// the graph g, using g's cache so repeated calls in one graph reuse the node.
// It panics on invalid degrees or unsupported dtypes.
func (c *BasisCache) BasisGraph(g *Graph, lIn, lOut int, dtype dtypes.DType) *Node {
	t, err := c.Basis(lIn, lOut, dtype)
	if err != nil {
		panic(err)
	}
	return ConstCachedTensor(g, t)
}
