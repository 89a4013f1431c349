// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package so3

import (
	"math"
	"math/cmplx"

	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// clebschGordan returns the Clebsch-Gordan coefficient
// <j1 m1, j2 m2 | j3 m3> for integer degrees, from the Racah closed form.
// All angular momenta here are integers (spherical harmonics only), so no
// half-integer bookkeeping is needed.
func clebschGordan(j1, m1, j2, m2, j3, m3 int) float64 {
	if m3 != m1+m2 {
		return 0
	}
	if j3 < abs(j1-j2) || j3 > j1+j2 {
		return 0
	}
	if abs(m1) > j1 || abs(m2) > j2 || abs(m3) > j3 {
		return 0
	}
	delta := factorial(j1+j2-j3) * factorial(j1-j2+j3) * factorial(-j1+j2+j3) / factorial(j1+j2+j3+1)
	prefix := math.Sqrt(float64(2*j3+1) * delta *
		factorial(j3+m3) * factorial(j3-m3) *
		factorial(j1-m1) * factorial(j1+m1) *
		factorial(j2-m2) * factorial(j2+m2))
	kMin := max(0, max(j2-j3-m1, j1-j3+m2))
	kMax := min(j1+j2-j3, min(j1-m1, j2+m2))
	var sum float64
	for k := kMin; k <= kMax; k++ {
		sign := 1.0
		if k%2 != 0 {
			sign = -1.0
		}
		den := factorial(k) * factorial(j1+j2-j3-k) * factorial(j1-m1-k) *
			factorial(j2+m2-k) * factorial(j3-j2+m1+k) * factorial(j3-j1-m2+k)
		sum += sign / den
	}
	return prefix * sum
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// realCoupling returns the coupling tensor between real spherical-harmonic
// representations: out[mOut+lOut][mF+lFilter][mIn+lIn] intertwines the
// degree-lFilter (x) degree-lIn product representation into degree-lOut:
//
//	WignerD(lOut, r) * C == C * (WignerD(lFilter, r) (x) WignerD(lIn, r))
//
// for every rotation r. The complex Clebsch-Gordan tensor is carried to the
// real basis; depending on the parity of lIn+lFilter+lOut the result is
// either purely real or purely imaginary, and in the latter case the whole
// tensor is multiplied by the unit phase that makes it real (a scalar
// multiple of an intertwiner still intertwines).
func realCoupling(lFilter, lIn, lOut int) [][][]float64 {
	if lOut < abs(lFilter-lIn) || lOut > lFilter+lIn {
		exceptions.Panicf("so3: realCoupling degrees (%d, %d) -> %d violate the selection rule", lFilter, lIn, lOut)
	}
	uOut := complexToRealU(lOut)
	uF := complexToRealU(lFilter)
	uIn := complexToRealU(lIn)

	// Real-basis tensor: C_real = conj(U_out) * C * (U_filter (x) U_in)^T,
	// matching the basis change used for WignerD.
	tensor := make([][][]complex128, Order(lOut))
	maxReal, maxImag := 0.0, 0.0
	for mOut := -lOut; mOut <= lOut; mOut++ {
		plane := make([][]complex128, Order(lFilter))
		for mF := -lFilter; mF <= lFilter; mF++ {
			row := make([]complex128, Order(lIn))
			for mIn := -lIn; mIn <= lIn; mIn++ {
				var sum complex128
				for cOut := -lOut; cOut <= lOut; cOut++ {
					a := cmplx.Conj(uOut[mOut+lOut][cOut+lOut])
					if a == 0 {
						continue
					}
					for cF := -lFilter; cF <= lFilter; cF++ {
						b := uF[mF+lFilter][cF+lFilter]
						if b == 0 {
							continue
						}
						cIn := cOut - cF // CG vanishes unless cF+cIn == cOut.
						if cIn < -lIn || cIn > lIn {
							continue
						}
						c := uIn[mIn+lIn][cIn+lIn]
						if c == 0 {
							continue
						}
						cg := clebschGordan(lFilter, cF, lIn, cIn, lOut, cOut)
						sum += a * b * c * complex(cg, 0)
					}
				}
				row[mIn+lIn] = sum
				maxReal = math.Max(maxReal, math.Abs(real(sum)))
				maxImag = math.Max(maxImag, math.Abs(imag(sum)))
			}
			plane[mF+lFilter] = row
		}
		tensor[mOut+lOut] = plane
	}

	takeImag := maxImag > maxReal
	discarded := maxImag
	if takeImag {
		discarded = maxReal
	}
	if discarded > wignerImagTolerance {
		exceptions.Panicf("so3: realCoupling(%d, %d, %d) mixed real/imaginary parts (%g vs %g), conventions are broken",
			lFilter, lIn, lOut, maxReal, maxImag)
	}

	out := make([][][]float64, Order(lOut))
	for i, plane := range tensor {
		out[i] = make([][]float64, Order(lFilter))
		for j, row := range plane {
			out[i][j] = make([]float64, Order(lIn))
			for k, v := range row {
				if takeImag {
					out[i][j][k] = imag(v)
				} else {
					out[i][j][k] = real(v)
				}
			}
		}
	}
	return out
}
