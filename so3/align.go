// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package so3

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Alignment holds, for a batch of relative vectors, the per-degree Wigner
// matrices of the rotation that takes each vector onto the +z axis.
//
// The rotation is Ry(-beta)*Rz(-alpha), with (alpha, beta) the azimuthal and
// polar angles of the vector. Features rotated with Rotate live in a frame
// where the edge direction is canonical, so tensor-product filters collapse
// to a single matrix per degree pair (see PairBasis); RotateBack returns
// results to the original frame.
//
// Zero-length vectors get the identity alignment.
type Alignment struct {
	maxDegree int
	dtype     dtypes.DType
	mats      []*Node // per degree, mats[0] is nil (degree 0 is invariant).

	// R is the euclidean norm of the vectors, shaped like the leading axes
	// of the input.
	R *Node
}

// NewAlignment builds the alignment for relative vectors rel, shaped
// [..., 3] with components ordered (x, y, z), for degrees 0..maxDegree.
//
// No trigonometric kernels are used: the matrices are assembled from
// cos/sin of the two angles, obtained as ratios of the vector components,
// expanded to cos(m*theta) and sin(m*theta) by the Chebyshev recurrence.
func NewAlignment(rel *Node, maxDegree int) *Alignment {
	if rel.Rank() < 1 || rel.Shape().Dim(-1) != 3 {
		exceptions.Panicf("so3: NewAlignment requires vectors shaped [..., 3], got %s", rel.Shape())
	}
	if maxDegree < 0 || maxDegree > MaxSupportedDegree {
		exceptions.Panicf("so3: NewAlignment degree %d not in [0, %d]", maxDegree, MaxSupportedDegree)
	}
	g := rel.Graph()
	dtype := rel.DType()
	x := component(rel, 0)
	y := component(rel, 1)
	z := component(rel, 2)

	rho2 := Add(Square(x), Square(y))
	r2 := Add(rho2, Square(z))
	rho := Sqrt(rho2)
	r := Sqrt(r2)

	zero := ScalarZero(g, dtype)

	// On the z axis (rho == 0) the azimuth is arbitrary, take alpha = 0.
	// At the origin (r == 0) take the identity alignment.
	rhoIsZero := Equal(rho, zero)
	safeRho := Where(rhoIsZero, OnesLike(rho), rho)
	cosAlpha := Where(rhoIsZero, OnesLike(x), Div(x, safeRho))
	sinAlpha := Where(rhoIsZero, ZerosLike(y), Div(y, safeRho))

	rIsZero := Equal(r, zero)
	safeR := Where(rIsZero, OnesLike(r), r)
	cosBeta := Where(rIsZero, OnesLike(z), Div(z, safeR))
	sinBeta := Where(rIsZero, ZerosLike(rho), Div(rho, safeR))

	// Dz(-theta) just flips the sign of the sines.
	cosMA, sinMA := chebyshevStacks(cosAlpha, Neg(sinAlpha), maxDegree)
	cosMB, sinMB := chebyshevStacks(cosBeta, Neg(sinBeta), maxDegree)

	a := &Alignment{maxDegree: maxDegree, dtype: dtype, mats: make([]*Node, maxDegree+1), R: r}
	for degree := 1; degree <= maxDegree; degree++ {
		dzAlpha := zRotationMatrix(degree, cosMA, sinMA)
		dzBeta := zRotationMatrix(degree, cosMB, sinMB)
		j := WignerD(degree, RotationX(math.Pi/2))
		jT := transposed(j)
		// D(Ry(-beta)) = J^T * Dz(-beta) * J, with J = D(Rx(pi/2)).
		m := mulConstRight(dzBeta, j, dtype)
		m = mulLast(m, dzAlpha)
		a.mats[degree] = mulConstLeft(jT, m, dtype)
	}
	return a
}

// MaxDegree is the highest degree this alignment was built for.
func (a *Alignment) MaxDegree() int { return a.maxDegree }

// Rotate takes features of the given degree, shaped [..., 2*degree+1,
// channels] with the leading axes matching the alignment's vectors, into the
// aligned frame.
func (a *Alignment) Rotate(degree int, features *Node) *Node {
	return a.apply(degree, features, false)
}

// RotateBack undoes Rotate, returning features to the original frame.
func (a *Alignment) RotateBack(degree int, features *Node) *Node {
	return a.apply(degree, features, true)
}

func (a *Alignment) apply(degree int, features *Node, inverse bool) *Node {
	if degree < 0 || degree > a.maxDegree {
		exceptions.Panicf("so3: alignment built for degrees <= %d, got %d", a.maxDegree, degree)
	}
	order := Order(degree)
	if features.Rank() < 2 || features.Shape().Dim(-2) != order {
		exceptions.Panicf("so3: degree %d features must be shaped [..., %d, channels], got %s",
			degree, order, features.Shape())
	}
	if degree == 0 {
		return features
	}
	mat := a.mats[degree]
	batch := make([][2]int, mat.Rank()-2)
	for i := range batch {
		batch[i] = [2]int{i, i}
	}
	// The matrices are orthogonal, so the inverse contracts the row axis
	// instead of the column axis.
	matAxis := mat.Rank() - 1
	if inverse {
		matAxis = mat.Rank() - 2
	}
	return EinsumAxes(mat, features, [][2]int{{matAxis, features.Rank() - 2}}, batch)
}

// component slices out rel[..., idx] and drops the trailing axis.
func component(rel *Node, idx int) *Node {
	specs := make([]SliceAxisSpec, rel.Rank())
	for i := range specs {
		specs[i] = AxisRange()
	}
	specs[rel.Rank()-1] = AxisElem(idx)
	return Squeeze(Slice(rel, specs...), -1)
}

// chebyshevStacks expands (cos, sin) of an angle into cos(m*theta) and
// sin(m*theta) for m = 0..maxM, stacked on a new last axis.
func chebyshevStacks(cos, sin *Node, maxM int) (cosM, sinM *Node) {
	cosSeq := make([]*Node, maxM+1)
	sinSeq := make([]*Node, maxM+1)
	cosSeq[0] = OnesLike(cos)
	sinSeq[0] = ZerosLike(sin)
	if maxM >= 1 {
		cosSeq[1] = cos
		sinSeq[1] = sin
	}
	twoCos := MulScalar(cos, 2)
	for m := 2; m <= maxM; m++ {
		cosSeq[m] = Sub(Mul(twoCos, cosSeq[m-1]), cosSeq[m-2])
		sinSeq[m] = Sub(Mul(twoCos, sinSeq[m-1]), sinSeq[m-2])
	}
	return Stack(cosSeq, -1), Stack(sinSeq, -1)
}

// zRotationMatrix assembles the degree-d Wigner matrix of a z rotation from
// the stacked cos(m*theta)/sin(m*theta) values, shaped [..., d, d] with
// d = 2*degree+1. The matrix is block-diagonal over |m|, each 2x2 block a
// plane rotation by m*theta acting on the (-m, +m) component pair.
func zRotationMatrix(degree int, cosM, sinM *Node) *Node {
	g := cosM.Graph()
	dtype := cosM.DType()
	d := Order(degree)
	last := cosM.Rank() - 1

	pCos := make([][][]float64, degree+1)
	pSin := make([][][]float64, degree+1)
	for m := 0; m <= degree; m++ {
		pCos[m] = zeroMatrix(d)
		pSin[m] = zeroMatrix(d)
		if m == 0 {
			pCos[0][degree][degree] = 1
			continue
		}
		pCos[m][degree+m][degree+m] = 1
		pCos[m][degree-m][degree-m] = 1
		pSin[m][degree-m][degree+m] = 1
		pSin[m][degree+m][degree-m] = -1
	}
	cosPlacement := ConvertDType(Const(g, pCos), dtype)
	sinPlacement := ConvertDType(Const(g, pSin), dtype)

	cosPart := EinsumAxes(sliceLastAxis(cosM, degree+1), cosPlacement, [][2]int{{last, 0}}, nil)
	sinPart := EinsumAxes(sliceLastAxis(sinM, degree+1), sinPlacement, [][2]int{{last, 0}}, nil)
	return Add(cosPart, sinPart)
}

func zeroMatrix(d int) [][]float64 {
	m := make([][]float64, d)
	for i := range m {
		m[i] = make([]float64, d)
	}
	return m
}

func sliceLastAxis(x *Node, upTo int) *Node {
	if x.Shape().Dim(-1) == upTo {
		return x
	}
	specs := make([]SliceAxisSpec, x.Rank())
	for i := range specs {
		specs[i] = AxisRange()
	}
	specs[x.Rank()-1] = AxisRange(0, upTo)
	return Slice(x, specs...)
}

func transposed(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i := range out {
		out[i] = make([]float64, len(m))
		for j := range m {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// mulLast multiplies two equally-batched stacks of matrices, [..., a, k] by
// [..., k, b].
func mulLast(a, b *Node) *Node {
	batch := make([][2]int, a.Rank()-2)
	for i := range batch {
		batch[i] = [2]int{i, i}
	}
	return EinsumAxes(a, b, [][2]int{{a.Rank() - 1, b.Rank() - 2}}, batch)
}

// mulConstRight computes m * c for a host constant c.
func mulConstRight(m *Node, c [][]float64, dtype dtypes.DType) *Node {
	cNode := ConvertDType(Const(m.Graph(), c), dtype)
	return EinsumAxes(m, cNode, [][2]int{{m.Rank() - 1, 0}}, nil)
}

// mulConstLeft computes c * m for a host constant c: it contracts against
// c's columns and swaps the resulting two last axes back into place.
func mulConstLeft(c [][]float64, m *Node, dtype dtypes.DType) *Node {
	cNode := ConvertDType(Const(m.Graph(), c), dtype)
	out := EinsumAxes(m, cNode, [][2]int{{m.Rank() - 2, 1}}, nil)
	return Transpose(out, out.Rank()-2, out.Rank()-1)
}
