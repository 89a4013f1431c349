// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package so3

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomRotation(rng *rand.Rand) [3][3]float64 {
	alpha := rng.Float64() * 2 * math.Pi
	beta := rng.Float64() * math.Pi
	gamma := rng.Float64() * 2 * math.Pi
	return MulRotations(RotationZ(alpha), MulRotations(RotationY(beta), RotationZ(gamma)))
}

func matMulSquare(a, b [][]float64) [][]float64 {
	n := len(a)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func TestRotationMatrices(t *testing.T) {
	r := RotationZ(math.Pi / 2)
	// Rz(pi/2) takes x to y.
	require.InDelta(t, 0.0, r[0][0], 1e-12)
	require.InDelta(t, 1.0, r[1][0], 1e-12)
	require.InDelta(t, 0.0, r[2][0], 1e-12)

	r = RotationY(math.Pi / 2)
	// Ry(pi/2) takes z to x.
	require.InDelta(t, 1.0, r[0][2], 1e-12)
	require.InDelta(t, 0.0, r[1][2], 1e-12)
	require.InDelta(t, 0.0, r[2][2], 1e-12)
}

// TestWignerDDegree1 checks that the degree-1 matrix is the rotation itself,
// conjugated by the (x,y,z) -> (y,z,x) component reordering.
func TestWignerDDegree1(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	perm := [3]int{1, 2, 0}
	for trial := 0; trial < 10; trial++ {
		rot := randomRotation(rng)
		d := WignerD(1, rot)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				require.InDeltaf(t, rot[perm[i]][perm[j]], d[i][j], 1e-10,
					"trial %d, entry (%d, %d)", trial, i, j)
			}
		}
	}
}

func TestWignerDOrthogonality(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	for degree := 0; degree <= 4; degree++ {
		rot := randomRotation(rng)
		d := WignerD(degree, rot)
		n := Order(degree)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				var dot float64
				for k := 0; k < n; k++ {
					dot += d[i][k] * d[j][k]
				}
				want := 0.0
				if i == j {
					want = 1.0
				}
				require.InDeltaf(t, want, dot, 1e-9, "degree %d, rows (%d, %d)", degree, i, j)
			}
		}
	}
}

func TestWignerDHomomorphism(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 0))
	for degree := 1; degree <= 3; degree++ {
		a := randomRotation(rng)
		b := randomRotation(rng)
		left := WignerD(degree, MulRotations(a, b))
		right := matMulSquare(WignerD(degree, a), WignerD(degree, b))
		n := Order(degree)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				require.InDeltaf(t, left[i][j], right[i][j], 1e-9, "degree %d, entry (%d, %d)", degree, i, j)
			}
		}
	}
}

func TestClebschGordanKnownValues(t *testing.T) {
	require.InDelta(t, math.Sqrt(2.0/3.0), clebschGordan(1, 0, 1, 0, 2, 0), 1e-12)
	require.InDelta(t, 1.0/math.Sqrt(3.0), clebschGordan(1, 1, 1, -1, 0, 0), 1e-12)
	require.InDelta(t, 0.0, clebschGordan(1, 0, 1, 0, 1, 0), 1e-12)
	// Selection rules.
	require.Zero(t, clebschGordan(1, 1, 1, 1, 2, 0))
	require.Zero(t, clebschGordan(1, 0, 1, 0, 3, 0))
}

// TestRealCouplingIntertwines verifies the defining property of the coupling
// tensor: rotating the coupled output equals coupling the rotated inputs.
func TestRealCouplingIntertwines(t *testing.T) {
	rng := rand.New(rand.NewPCG(97, 0))
	triples := [][3]int{{1, 1, 1}, {1, 1, 2}, {2, 1, 1}, {1, 2, 3}, {2, 2, 2}, {2, 2, 0}}
	for _, triple := range triples {
		lF, lIn, lOut := triple[0], triple[1], triple[2]
		t.Run(fmt.Sprintf("%d_%d_%d", lF, lIn, lOut), func(t *testing.T) {
			coupling := realCoupling(lF, lIn, lOut)
			rot := randomRotation(rng)
			dOut := WignerD(lOut, rot)
			dF := WignerD(lF, rot)
			dIn := WignerD(lIn, rot)
			for mOut := 0; mOut < Order(lOut); mOut++ {
				for mF := 0; mF < Order(lF); mF++ {
					for mIn := 0; mIn < Order(lIn); mIn++ {
						var left, right float64
						for k := 0; k < Order(lOut); k++ {
							left += dOut[mOut][k] * coupling[k][mF][mIn]
						}
						for a := 0; a < Order(lF); a++ {
							for b := 0; b < Order(lIn); b++ {
								right += coupling[mOut][a][b] * dF[a][mF] * dIn[b][mIn]
							}
						}
						require.InDeltaf(t, left, right, 1e-9,
							"entry (%d, %d, %d)", mOut, mF, mIn)
					}
				}
			}
		})
	}
}

// TestPairBasisZRotationInvariance checks the property that makes the
// canonical-frame evaluation exact: the pair basis commutes with rotations
// about the z axis.
func TestPairBasisZRotationInvariance(t *testing.T) {
	pairs := [][2]int{{0, 1}, {1, 0}, {1, 1}, {1, 2}, {2, 1}, {2, 2}, {0, 3}}
	for _, pair := range pairs {
		lIn, lOut := pair[0], pair[1]
		t.Run(fmt.Sprintf("%d_to_%d", lIn, lOut), func(t *testing.T) {
			basis := PairBasis(lIn, lOut)
			for _, theta := range []float64{0.3, 1.7, -2.1} {
				rot := RotationZ(theta)
				dIn := WignerD(lIn, rot)
				dOut := WignerD(lOut, rot)
				for i := 0; i < Order(lOut); i++ {
					for j := 0; j < Order(lIn); j++ {
						var left, right float64
						for k := 0; k < Order(lOut); k++ {
							left += dOut[i][k] * basis[k][j]
						}
						for k := 0; k < Order(lIn); k++ {
							right += basis[i][k] * dIn[k][j]
						}
						require.InDeltaf(t, left, right, 1e-10,
							"theta %.1f, entry (%d, %d)", theta, i, j)
					}
				}
			}
		})
	}
}

// TestEulerRoundTrip checks that the ZYZ decomposition reproduces the
// rotation, including the degenerate beta ~ 0 and beta ~ pi cases.
func TestEulerRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 0))
	rots := []([3][3]float64){
		RotationZ(0.7),
		MulRotations(RotationZ(0.4), RotationY(math.Pi)),
	}
	for trial := 0; trial < 5; trial++ {
		rots = append(rots, randomRotation(rng))
	}
	for i, rot := range rots {
		alpha, beta, gamma := eulerZYZ(rot)
		back := MulRotations(RotationZ(alpha), MulRotations(RotationY(beta), RotationZ(gamma)))
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				require.InDeltaf(t, rot[r][c], back[r][c], 1e-9, "rotation %d, entry (%d, %d)", i, r, c)
			}
		}
	}
}
