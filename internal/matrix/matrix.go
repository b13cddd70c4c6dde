package matrix

import "math"

// #region types

// Dim is the fixed dimension of all context vectors and model matrices.
const Dim = 12

// Vector is a fixed 12-dimensional real vector.
type Vector [Dim]float64

// Matrix is a fixed 12x12 real matrix stored row-major.
type Matrix [Dim][Dim]float64

// #endregion types

// #region constructors

// Identity returns the 12x12 identity matrix.
func Identity() Matrix {
	var m Matrix
	for i := 0; i < Dim; i++ {
		m[i][i] = 1.0
	}
	return m
}

// ScaledIdentity returns s * I.
func ScaledIdentity(s float64) Matrix {
	var m Matrix
	for i := 0; i < Dim; i++ {
		m[i][i] = s
	}
	return m
}

// #endregion constructors

// #region vector-ops

// Dot returns the inner product of two vectors.
func Dot(a, b Vector) float64 {
	var s float64
	for i := 0; i < Dim; i++ {
		s += a[i] * b[i]
	}
	return s
}

// MulVec returns m * x.
func (m Matrix) MulVec(x Vector) Vector {
	var out Vector
	for i := 0; i < Dim; i++ {
		var s float64
		for j := 0; j < Dim; j++ {
			s += m[i][j] * x[j]
		}
		out[i] = s
	}
	return out
}

// Quadratic returns the quadratic form x^T m x.
func (m Matrix) Quadratic(x Vector) float64 {
	return Dot(x, m.MulVec(x))
}

// #endregion vector-ops

// #region matrix-ops

// AddOuter adds the rank-one term x x^T to m in place.
func (m *Matrix) AddOuter(x Vector) {
	for i := 0; i < Dim; i++ {
		for j := 0; j < Dim; j++ {
			m[i][j] += x[i] * x[j]
		}
	}
}

// AddScaledIdentity adds s * I to m in place.
func (m *Matrix) AddScaledIdentity(s float64) {
	for i := 0; i < Dim; i++ {
		m[i][i] += s
	}
}

// MaxAbs returns the largest absolute entry of m.
func (m Matrix) MaxAbs() float64 {
	var max float64
	for i := 0; i < Dim; i++ {
		for j := 0; j < Dim; j++ {
			if a := math.Abs(m[i][j]); a > max {
				max = a
			}
		}
	}
	return max
}

// #endregion matrix-ops

// #region inversion

const (
	// degenerateEps: below this max-abs entry the matrix carries no usable
	// information and is replaced by the identity.
	degenerateEps = 1e-10
	// pivotEps / pivotFloor: LU pivots with magnitude below pivotEps are
	// regularized up to pivotFloor instead of failing.
	pivotEps   = 1e-10
	pivotFloor = 1e-6
)

// Invert returns the inverse of m. It never fails: the cascade runs
// Cholesky (strict positive-definite fast path), then LU with partial
// pivoting and pivot regularization, then falls back to the identity
// when the matrix is numerically all-zero. The returned matrix is always
// finite, so a confidence radius can always be computed.
func (m Matrix) Invert() Matrix {
	if m.MaxAbs() < degenerateEps {
		return Identity()
	}
	if inv, ok := m.choleskyInvert(); ok {
		return inv
	}
	return m.luInvert()
}

// choleskyInvert attempts m = L L^T and inverts via the factor.
// Fails (ok=false) unless every pivot is strictly positive.
func (m Matrix) choleskyInvert() (Matrix, bool) {
	var l Matrix
	for j := 0; j < Dim; j++ {
		d := m[j][j]
		for k := 0; k < j; k++ {
			d -= l[j][k] * l[j][k]
		}
		if d <= 0 || math.IsNaN(d) {
			return Matrix{}, false
		}
		l[j][j] = math.Sqrt(d)
		for i := j + 1; i < Dim; i++ {
			s := m[i][j]
			for k := 0; k < j; k++ {
				s -= l[i][k] * l[j][k]
			}
			l[i][j] = s / l[j][j]
		}
	}

	// Invert the lower-triangular factor: L * Linv = I.
	var linv Matrix
	for i := 0; i < Dim; i++ {
		linv[i][i] = 1.0 / l[i][i]
		for j := 0; j < i; j++ {
			var s float64
			for k := j; k < i; k++ {
				s += l[i][k] * linv[k][j]
			}
			linv[i][j] = -s / l[i][i]
		}
	}

	// m^-1 = Linv^T * Linv.
	var inv Matrix
	for i := 0; i < Dim; i++ {
		for j := 0; j <= i; j++ {
			var s float64
			for k := i; k < Dim; k++ {
				s += linv[k][i] * linv[k][j]
			}
			inv[i][j] = s
			inv[j][i] = s
		}
	}
	return inv, true
}

// luInvert inverts via LU decomposition with partial pivoting, solving
// against the identity column by column. Near-zero pivots are pushed up
// to pivotFloor so the solve always completes.
func (m Matrix) luInvert() Matrix {
	lu := m
	var perm [Dim]int
	for i := range perm {
		perm[i] = i
	}

	for col := 0; col < Dim; col++ {
		// Partial pivot: pick the largest magnitude in the column.
		pivot := col
		for r := col + 1; r < Dim; r++ {
			if math.Abs(lu[r][col]) > math.Abs(lu[pivot][col]) {
				pivot = r
			}
		}
		if pivot != col {
			lu[col], lu[pivot] = lu[pivot], lu[col]
			perm[col], perm[pivot] = perm[pivot], perm[col]
		}
		if math.Abs(lu[col][col]) < pivotEps {
			if lu[col][col] < 0 {
				lu[col][col] = -pivotFloor
			} else {
				lu[col][col] = pivotFloor
			}
		}
		for r := col + 1; r < Dim; r++ {
			lu[r][col] /= lu[col][col]
			for c := col + 1; c < Dim; c++ {
				lu[r][c] -= lu[r][col] * lu[col][c]
			}
		}
	}

	var inv Matrix
	for col := 0; col < Dim; col++ {
		// Forward substitution on the permuted identity column.
		var y Vector
		for i := 0; i < Dim; i++ {
			v := 0.0
			if perm[i] == col {
				v = 1.0
			}
			for k := 0; k < i; k++ {
				v -= lu[i][k] * y[k]
			}
			y[i] = v
		}
		// Back substitution.
		for i := Dim - 1; i >= 0; i-- {
			v := y[i]
			for k := i + 1; k < Dim; k++ {
				v -= lu[i][k] * inv[k][col]
			}
			inv[i][col] = v / lu[i][i]
		}
	}
	return inv
}

// #endregion inversion
