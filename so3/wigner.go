// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package so3 implements the rotation algebra behind the equivariant layers:
// real Wigner rotation matrices per degree, alignment of edge directions to
// the canonical z-axis, real spherical harmonics, and the cached
// Clebsch-Gordan pair basis consumed by the depthwise tensor product.
//
// A "degree" l indexes an irreducible representation of the rotation group:
// degree-0 quantities are invariant, degree-1 quantities transform like
// 3-vectors, and a degree-l quantity has 2l+1 components. Throughout, the
// components of a degree-1 quantity are stored in the real spherical-harmonic
// slot order (y, z, x), so that WignerD(1, rot) is the rotation matrix itself
// conjugated by that permutation.
//
// The heavy per-edge work is done with graph ops (see Alignment); this file
// holds the host-side float64 math: it runs once per degree (not per edge),
// so it favors clarity and precision over speed.
package so3

import (
	"math"
	"math/cmplx"

	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// MaxSupportedDegree bounds the degrees the package computes coefficients
// for. The factorial tables and the float64 precision of the Racah formula
// are comfortable well beyond it; networks in practice stay at l <= 4.
const MaxSupportedDegree = 8

// Order returns the number of components of a degree-l quantity, 2l+1.
func Order(degree int) int { return 2*degree + 1 }

// factorials up to 4*MaxSupportedDegree+2, enough for every factorial the
// Racah and Wigner-d formulas touch at the supported degrees.
var factorials = func() []float64 {
	table := make([]float64, 4*MaxSupportedDegree+3)
	table[0] = 1
	for i := 1; i < len(table); i++ {
		table[i] = table[i-1] * float64(i)
	}
	return table
}()

func factorial(n int) float64 {
	if n < 0 || n >= len(factorials) {
		exceptions.Panicf("so3: factorial(%d) out of the supported range [0, %d]", n, len(factorials)-1)
	}
	return factorials[n]
}

// RotationX returns the 3x3 matrix of a right-handed rotation by angle
// radians around the x-axis, in the usual (x, y, z) coordinates.
func RotationX(angle float64) [3][3]float64 {
	c, s := math.Cos(angle), math.Sin(angle)
	return [3][3]float64{
		{1, 0, 0},
		{0, c, -s},
		{0, s, c},
	}
}

// RotationY returns the 3x3 matrix of a rotation by angle radians around the
// y-axis.
func RotationY(angle float64) [3][3]float64 {
	c, s := math.Cos(angle), math.Sin(angle)
	return [3][3]float64{
		{c, 0, s},
		{0, 1, 0},
		{-s, 0, c},
	}
}

// RotationZ returns the 3x3 matrix of a rotation by angle radians around the
// z-axis.
func RotationZ(angle float64) [3][3]float64 {
	c, s := math.Cos(angle), math.Sin(angle)
	return [3][3]float64{
		{c, -s, 0},
		{s, c, 0},
		{0, 0, 1},
	}
}

// MulRotations composes the two rotations, returning a*b.
func MulRotations(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := range 3 {
		for j := range 3 {
			for k := range 3 {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

// eulerZYZ extracts angles (alpha, beta, gamma) such that
// rot = Rz(alpha) * Ry(beta) * Rz(gamma), with beta in [0, pi].
func eulerZYZ(rot [3][3]float64) (alpha, beta, gamma float64) {
	cosBeta := math.Max(-1, math.Min(1, rot[2][2]))
	beta = math.Acos(cosBeta)
	const eps = 1e-12
	sinBeta := math.Sqrt(math.Max(0, 1-cosBeta*cosBeta))
	if sinBeta < eps {
		// Degenerate: the rotation is about the z-axis (beta ~ 0) or a
		// z-rotation composed with Ry(pi) (beta ~ pi). Fold everything
		// into alpha.
		gamma = 0
		if cosBeta > 0 {
			alpha = math.Atan2(rot[1][0], rot[0][0])
		} else {
			alpha = math.Atan2(-rot[1][0], -rot[0][0])
		}
		return
	}
	alpha = math.Atan2(rot[1][2], rot[0][2])
	gamma = math.Atan2(rot[2][1], -rot[2][0])
	return
}

// wignerSmallD returns the Wigner small-d matrix d^l(beta) in the complex
// spherical-harmonic basis, indexed [mRow+l][mCol+l] for mRow, mCol in
// [-l, l] (Condon-Shortley phases).
func wignerSmallD(l int, beta float64) [][]float64 {
	dim := Order(l)
	cosHalf, sinHalf := math.Cos(beta/2), math.Sin(beta/2)
	d := make([][]float64, dim)
	for i := range d {
		d[i] = make([]float64, dim)
	}
	for mRow := -l; mRow <= l; mRow++ {
		for mCol := -l; mCol <= l; mCol++ {
			prefix := math.Sqrt(factorial(l+mRow) * factorial(l-mRow) * factorial(l+mCol) * factorial(l-mCol))
			sMin := max(0, mCol-mRow)
			sMax := min(l+mCol, l-mRow)
			var sum float64
			for s := sMin; s <= sMax; s++ {
				sign := 1.0
				if (mRow-mCol+s)%2 != 0 {
					sign = -1.0
				}
				num := math.Pow(cosHalf, float64(2*l+mCol-mRow-2*s)) * math.Pow(sinHalf, float64(mRow-mCol+2*s))
				den := factorial(l+mCol-s) * factorial(s) * factorial(mRow-mCol+s) * factorial(l-mRow-s)
				sum += sign * num / den
			}
			d[mRow+l][mCol+l] = prefix * sum
		}
	}
	return d
}

// complexToRealU returns the unitary change of basis U from complex to real
// spherical harmonics for degree l: Y_real[m] = sum_M U[m+l][M+l] * Y_complex[M],
// with the real slots ordered m = -l..l (sin-type, then m=0, then cos-type).
func complexToRealU(l int) [][]complex128 {
	dim := Order(l)
	u := make([][]complex128, dim)
	for i := range u {
		u[i] = make([]complex128, dim)
	}
	invSqrt2 := 1 / math.Sqrt2
	u[l][l] = 1
	for m := 1; m <= l; m++ {
		csPhase := 1.0
		if m%2 != 0 {
			csPhase = -1.0
		}
		// Cos-type component (positive slot).
		u[l+m][l+m] = complex(csPhase*invSqrt2, 0)
		u[l+m][l-m] = complex(invSqrt2, 0)
		// Sin-type component (negative slot).
		u[l-m][l+m] = complex(0, -csPhase*invSqrt2)
		u[l-m][l-m] = complex(0, invSqrt2)
	}
	return u
}

// wignerImagTolerance is the largest imaginary residue tolerated when the
// complex Wigner matrix is carried to the real basis. Anything above it
// indicates a numerical-instability bug, so it fails loudly instead of
// silently truncating.
const wignerImagTolerance = 1e-8

// WignerD returns the real Wigner matrix of the given degree for the given
// 3x3 rotation, indexed [mRow+l][mCol+l]. The matrix is orthogonal, and
// composition of rotations maps to matrix products: WignerD(l, a*b) =
// WignerD(l, a)*WignerD(l, b).
//
// For degree 0 it is the 1x1 identity; for degree 1 it is rot itself in the
// (y, z, x) slot order.
func WignerD(degree int, rot [3][3]float64) [][]float64 {
	if degree < 0 || degree > MaxSupportedDegree {
		exceptions.Panicf("so3: WignerD degree %d outside supported range [0, %d]", degree, MaxSupportedDegree)
	}
	dim := Order(degree)
	out := make([][]float64, dim)
	for i := range out {
		out[i] = make([]float64, dim)
	}
	if degree == 0 {
		out[0][0] = 1
		return out
	}
	alpha, beta, gamma := eulerZYZ(rot)
	smallD := wignerSmallD(degree, beta)
	u := complexToRealU(degree)

	// Complex Wigner matrix D[M'][M] = exp(-i*M'*alpha) * d[M'][M] * exp(-i*M*gamma),
	// carried to the real basis as conj(U) * D * U^T.
	l := degree
	for mRow := -l; mRow <= l; mRow++ {
		for mCol := -l; mCol <= l; mCol++ {
			var sum complex128
			for mpc := -l; mpc <= l; mpc++ {
				uRow := cmplx.Conj(u[mRow+l][mpc+l])
				if uRow == 0 {
					continue
				}
				rowPhase := cmplx.Exp(complex(0, -float64(mpc)*alpha))
				for mc := -l; mc <= l; mc++ {
					uCol := u[mCol+l][mc+l]
					if uCol == 0 {
						continue
					}
					colPhase := cmplx.Exp(complex(0, -float64(mc)*gamma))
					sum += uRow * rowPhase * complex(smallD[mpc+l][mc+l], 0) * colPhase * uCol
				}
			}
			if math.Abs(imag(sum)) > wignerImagTolerance {
				exceptions.Panicf("so3: WignerD(%d) produced imaginary residue %g, conventions are broken", degree, imag(sum))
			}
			out[mRow+l][mCol+l] = real(sum)
		}
	}
	return out
}
