// Package repair provides a nearest-positive-definite projection for
// covariance-like matrices. Covariance matrices assembled from correlation
// and volatility estimates routinely lose positive definiteness to
// floating-point error; downstream consumers (Cholesky solvers, Bayesian
// updates) require strict PD, so matrices pass through NearestPD before use.
package repair

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MaxIterations caps the diagonal-loading correction loop in NearestPD.
// The k² growth of the correction term converges in a handful of passes for
// matrices that are only mildly non-PD; hitting the cap means the input is
// too degenerate to repair automatically.
const MaxIterations = 100

// IterationLimitError is returned when the correction loop cannot reach a
// positive-definite matrix: either MaxIterations passes were exhausted, or
// the required spectrum shift left the representable float64 range. It
// carries the last candidate and its smallest eigenvalue for diagnosis.
type IterationLimitError struct {
	Iterations    int
	MinEigenvalue float64
	LastCandidate *mat.SymDense
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("nearest-PD correction did not converge after %d iterations (min eigenvalue %g)",
		e.Iterations, e.MinEigenvalue)
}

// IsPositiveDefinite reports whether a admits a Cholesky factorization,
// i.e. whether all its eigenvalues are strictly positive. The test is exact
// relative to the matrix's floating-point representation: no tolerance is
// applied, and the same factorization is used everywhere a PD decision is
// made so that "positive definite" means one thing throughout the package.
func IsPositiveDefinite(a mat.Symmetric) bool {
	var chol mat.Cholesky
	return chol.Factorize(a)
}

// NearestPD returns the symmetric positive-definite matrix nearest to a in
// Frobenius norm, per Higham (1988), falling back to iterative diagonal
// loading when the projection lands on the PD boundary.
//
// If a is already exactly symmetric and positive definite it is returned
// unchanged (values copied into the result, no adjustment applied). A
// non-square input is a programmer error and panics with mat.ErrShape.
// The only error value is *IterationLimitError.
func NearestPD(a mat.Matrix) (*mat.SymDense, error) {
	n, c := a.Dims()
	if n != c {
		panic(mat.ErrShape)
	}

	// Fast path: exactly symmetric and Cholesky succeeds.
	if sym, ok := asExactSymmetric(a); ok && IsPositiveDefinite(sym) {
		return sym, nil
	}

	// B = (A + Aᵀ) / 2
	b := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			b.Set(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}

	// Symmetric polar factor of B: H = V·S·Vᵀ from the SVD B = U·S·Vᵀ.
	// For a symmetric B this equals the eigendecomposition with
	// absolute-valued eigenvalues; either construction is acceptable as
	// long as the result is symmetric PSD.
	var svd mat.SVD
	if !svd.Factorize(b, mat.SVDFull) {
		// SVD of a finite real matrix always exists; failure means the
		// input carries NaN/Inf, which no amount of loading can repair.
		return nil, &IterationLimitError{Iterations: 0, MinEigenvalue: math.NaN()}
	}
	var v mat.Dense
	svd.VTo(&v)
	s := svd.Values(nil)

	vs := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			vs.Set(i, j, v.At(i, j)*s[j])
		}
	}
	var h mat.Dense
	h.Mul(vs, v.T())

	// A2 = (B + H) / 2, then resymmetrize: A3 = (A2 + A2ᵀ) / 2. The second
	// averaging guards against residual asymmetry left by the SVD arithmetic.
	a3 := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			a2ij := (b.At(i, j) + h.At(i, j)) / 2
			a2ji := (b.At(j, i) + h.At(j, i)) / 2
			a3.SetSym(i, j, (a2ij+a2ji)/2)
		}
	}

	if IsPositiveDefinite(a3) {
		return a3, nil
	}

	// The projection landed on the PD boundary (zero or slightly negative
	// eigenvalue). Shift the spectrum up by growing multiples of the most
	// negative eigenvalue until Cholesky succeeds. The tolerance is fixed
	// from the ORIGINAL input's norm, not recomputed from the evolving
	// candidate: ulp spacing at the magnitude of A.
	spacing := math.Nextafter(mat.Norm(a, 2), math.Inf(1)) - mat.Norm(a, 2)

	var mineig float64
	for k := 1; k <= MaxIterations; k++ {
		var eig mat.EigenSym
		if !eig.Factorize(a3, false) {
			return nil, &IterationLimitError{Iterations: k, MinEigenvalue: math.NaN(), LastCandidate: a3}
		}
		vals := eig.Values(nil)
		mineig = vals[0]
		for _, ev := range vals[1:] {
			if ev < mineig {
				mineig = ev
			}
		}

		shift := -mineig*float64(k)*float64(k) + spacing
		if math.IsInf(shift, 0) || math.IsNaN(shift) {
			// The required correction left the representable float range;
			// further iterations only grow it. Applying it would produce an
			// Inf diagonal that Cholesky cannot reject, so fail here.
			return nil, &IterationLimitError{Iterations: k, MinEigenvalue: mineig, LastCandidate: a3}
		}
		for i := 0; i < n; i++ {
			d := a3.At(i, i) + shift
			if math.IsInf(d, 0) {
				return nil, &IterationLimitError{Iterations: k, MinEigenvalue: mineig, LastCandidate: a3}
			}
			a3.SetSym(i, i, d)
		}

		if IsPositiveDefinite(a3) {
			return a3, nil
		}
	}

	return nil, &IterationLimitError{
		Iterations:    MaxIterations,
		MinEigenvalue: mineig,
		LastCandidate: a3,
	}
}

// asExactSymmetric copies a into a SymDense if it is exactly symmetric
// (bitwise equal transposed entries, no tolerance). Returns false otherwise.
func asExactSymmetric(a mat.Matrix) (*mat.SymDense, bool) {
	if sym, ok := a.(mat.Symmetric); ok {
		n := sym.SymmetricDim()
		out := mat.NewSymDense(n, nil)
		out.CopySym(sym)
		return out, true
	}

	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if a.At(i, j) != a.At(j, i) {
				return nil, false
			}
			out.SetSym(i, j, a.At(i, j))
		}
	}
	return out, true
}

// NearestPDSlice is a convenience wrapper over NearestPD for callers that
// carry covariance matrices as [][]float64 row slices. It reports, besides
// the repaired matrix, whether any adjustment was applied.
func NearestPDSlice(rows [][]float64) ([][]float64, bool, error) {
	n := len(rows)
	if n == 0 {
		return nil, false, fmt.Errorf("empty matrix")
	}
	flat := make([]float64, 0, n*n)
	for i, row := range rows {
		if len(row) != n {
			return nil, false, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), n)
		}
		flat = append(flat, row...)
	}
	in := mat.NewDense(n, n, flat)

	out, err := NearestPD(in)
	if err != nil {
		return nil, false, err
	}

	changed := false
	result := make([][]float64, n)
	for i := 0; i < n; i++ {
		result[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			result[i][j] = out.At(i, j)
			if result[i][j] != rows[i][j] {
				changed = true
			}
		}
	}
	return result, changed, nil
}
