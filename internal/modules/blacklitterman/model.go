// Package blacklitterman implements the closed-form Black-Litterman update:
// it blends market-implied equilibrium returns with analyst views into a
// posterior mean and covariance of expected returns.
package blacklitterman

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/ipozdeev/black-litterman-bayes/internal/modules/repair"
)

// ViewType discriminates absolute from relative views.
type ViewType string

const (
	ViewAbsolute ViewType = "absolute"
	ViewRelative ViewType = "relative"
)

// View represents a Black-Litterman view (investor opinion).
type View struct {
	Type       ViewType `json:"type"`
	Symbol     string   `json:"symbol,omitempty"`  // For absolute views
	Symbol1    string   `json:"symbol1,omitempty"` // For relative views (outperformer)
	Symbol2    string   `json:"symbol2,omitempty"` // For relative views (underperformer)
	Return     float64  `json:"return"`            // Expected return (absolute) or outperformance (relative)
	Confidence float64  `json:"confidence"`        // Confidence level in (0, 1]
}

// Params are the model parameters. They travel with every call instead of
// living in shared state, so a posterior is a pure function of its inputs.
type Params struct {
	Tau          float64 // Prior uncertainty scaling (typically 0.025-0.05)
	RiskAversion float64 // Market risk aversion λ
}

// Posterior is the output of the Bayesian update.
type Posterior struct {
	Symbols    []string
	Mean       map[string]float64 // Posterior expected returns
	Covariance [][]float64        // Posterior covariance, guaranteed PD
	Repaired   bool               // Whether the posterior covariance needed PD repair
}

// Model computes Black-Litterman posteriors.
type Model struct {
	log zerolog.Logger
}

// NewModel creates a new Black-Litterman model.
func NewModel(log zerolog.Logger) *Model {
	return &Model{
		log: log.With().Str("component", "black_litterman").Logger(),
	}
}

// CalculateMarketEquilibrium calculates implied equilibrium returns from market weights.
// Formula: Π = λ * Σ * w
func (m *Model) CalculateMarketEquilibrium(
	weights map[string]float64,
	covMatrix [][]float64,
	symbols []string,
	riskAversion float64,
) (map[string]float64, error) {
	if len(weights) == 0 || len(covMatrix) == 0 {
		return nil, fmt.Errorf("weights and covariance matrix cannot be empty")
	}

	n := len(symbols)
	if len(covMatrix) != n {
		return nil, fmt.Errorf("covariance matrix size %d does not match symbols %d", len(covMatrix), n)
	}

	w := mat.NewVecDense(n, nil)
	for i, symbol := range symbols {
		if weight, hasWeight := weights[symbol]; hasWeight {
			w.SetVec(i, weight)
		}
	}

	sigma, err := denseFromRows(covMatrix)
	if err != nil {
		return nil, err
	}

	var sigmaW mat.VecDense
	sigmaW.MulVec(sigma, w)

	equilibriumReturns := make(map[string]float64, n)
	for i, symbol := range symbols {
		equilibriumReturns[symbol] = riskAversion * sigmaW.AtVec(i)
	}

	return equilibriumReturns, nil
}

// Blend combines equilibrium returns with views using the BL formulas:
//
//	E[R]  = M⁻¹ [(τΣ)⁻¹Π + PᵀΩ⁻¹Q]   with  M = (τΣ)⁻¹ + PᵀΩ⁻¹P
//	Σpost = Σ + M⁻¹
//
// The posterior covariance runs through the nearest-PD repair before being
// returned: the inversion chain can push it off the PD cone numerically.
func (m *Model) Blend(
	equilibriumReturns map[string]float64,
	views []View,
	covMatrix [][]float64,
	symbols []string,
	params Params,
) (*Posterior, error) {
	if len(equilibriumReturns) == 0 {
		return nil, fmt.Errorf("equilibrium returns cannot be empty")
	}

	n := len(symbols)
	if len(covMatrix) != n {
		return nil, fmt.Errorf("covariance matrix size mismatch")
	}
	if params.Tau <= 0 {
		return nil, fmt.Errorf("tau must be positive, got %v", params.Tau)
	}

	// No views: the posterior mean is the equilibrium and the covariance
	// keeps only the prior-uncertainty inflation, Σ + τΣ.
	if len(views) == 0 {
		cov := make([][]float64, n)
		for i := range covMatrix {
			cov[i] = make([]float64, n)
			for j := range covMatrix[i] {
				cov[i][j] = covMatrix[i][j] * (1 + params.Tau)
			}
		}
		repaired, changed, err := repair.NearestPDSlice(cov)
		if err != nil {
			return nil, fmt.Errorf("failed to repair posterior covariance: %w", err)
		}
		// Copy rather than alias the caller's map.
		mean := make(map[string]float64, len(equilibriumReturns))
		for s, r := range equilibriumReturns {
			mean[s] = r
		}
		return &Posterior{
			Symbols:    symbols,
			Mean:       mean,
			Covariance: repaired,
			Repaired:   changed,
		}, nil
	}

	p, q, omega, err := buildViewMatrices(views, symbols)
	if err != nil {
		return nil, err
	}

	sigma, err := denseFromRows(covMatrix)
	if err != nil {
		return nil, err
	}

	pi := mat.NewVecDense(n, nil)
	for i, symbol := range symbols {
		if ret, hasRet := equilibriumReturns[symbol]; hasRet {
			pi.SetVec(i, ret)
		}
	}

	// (τΣ)⁻¹
	tauSigma := mat.NewDense(n, n, nil)
	tauSigma.Scale(params.Tau, sigma)
	var tauSigmaInv mat.Dense
	if err := tauSigmaInv.Inverse(tauSigma); err != nil {
		return nil, fmt.Errorf("failed to invert τΣ: %w", err)
	}

	// Ω⁻¹
	var omegaInv mat.Dense
	if err := omegaInv.Inverse(omega); err != nil {
		return nil, fmt.Errorf("failed to invert Ω: %w", err)
	}

	// PᵀΩ⁻¹ and PᵀΩ⁻¹P
	var pTrans mat.Dense
	pTrans.CloneFrom(p.T())
	var pTransOmegaInv mat.Dense
	pTransOmegaInv.Mul(&pTrans, &omegaInv)
	var pTransOmegaInvP mat.Dense
	pTransOmegaInvP.Mul(&pTransOmegaInv, p)

	// M = (τΣ)⁻¹ + PᵀΩ⁻¹P, and M⁻¹
	var bigM mat.Dense
	bigM.Add(&tauSigmaInv, &pTransOmegaInvP)
	var bigMInv mat.Dense
	if err := bigMInv.Inverse(&bigM); err != nil {
		return nil, fmt.Errorf("failed to invert M: %w", err)
	}

	// Posterior mean: M⁻¹ [(τΣ)⁻¹Π + PᵀΩ⁻¹Q]
	var tauSigmaInvPi mat.VecDense
	tauSigmaInvPi.MulVec(&tauSigmaInv, pi)
	var pTransOmegaInvQ mat.VecDense
	pTransOmegaInvQ.MulVec(&pTransOmegaInv, q)
	var rhs mat.VecDense
	rhs.AddVec(&tauSigmaInvPi, &pTransOmegaInvQ)
	var posteriorMean mat.VecDense
	posteriorMean.MulVec(&bigMInv, &rhs)

	// Posterior covariance: Σ + M⁻¹, repaired to strict PD.
	var posteriorCov mat.Dense
	posteriorCov.Add(sigma, &bigMInv)
	cov := make([][]float64, n)
	for i := 0; i < n; i++ {
		cov[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			cov[i][j] = posteriorCov.At(i, j)
		}
	}
	repairedCov, changed, err := repair.NearestPDSlice(cov)
	if err != nil {
		return nil, fmt.Errorf("failed to repair posterior covariance: %w", err)
	}
	if changed {
		m.log.Warn().
			Int("num_views", len(views)).
			Msg("Posterior covariance was not positive definite, applied nearest-PD repair")
	}

	mean := make(map[string]float64, n)
	for i, symbol := range symbols {
		mean[symbol] = posteriorMean.AtVec(i)
	}

	return &Posterior{
		Symbols:    symbols,
		Mean:       mean,
		Covariance: repairedCov,
		Repaired:   changed,
	}, nil
}

// ComputePosterior is a convenience method combining equilibrium calculation
// and view blending.
func (m *Model) ComputePosterior(
	marketWeights map[string]float64,
	views []View,
	covMatrix [][]float64,
	symbols []string,
	params Params,
) (*Posterior, error) {
	equilibriumReturns, err := m.CalculateMarketEquilibrium(marketWeights, covMatrix, symbols, params.RiskAversion)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate equilibrium: %w", err)
	}

	posterior, err := m.Blend(equilibriumReturns, views, covMatrix, symbols, params)
	if err != nil {
		return nil, fmt.Errorf("failed to blend views: %w", err)
	}

	return posterior, nil
}

// buildViewMatrices constructs the view portfolio matrix P, the view return
// vector Q, and the diagonal uncertainty matrix Ω from the view list.
func buildViewMatrices(views []View, symbols []string) (*mat.Dense, *mat.VecDense, *mat.Dense, error) {
	numViews := len(views)
	n := len(symbols)

	p := mat.NewDense(numViews, n, nil)
	q := mat.NewVecDense(numViews, nil)
	omega := mat.NewDense(numViews, numViews, nil)

	index := make(map[string]int, n)
	for i, s := range symbols {
		index[s] = i
	}

	for i, view := range views {
		q.SetVec(i, view.Return)

		if view.Confidence <= 0 || view.Confidence > 1 {
			return nil, nil, nil, fmt.Errorf("view %d: confidence %v out of (0, 1]", i, view.Confidence)
		}
		// Uncertainty is the complement of confidence, floored to keep Ω invertible.
		uncertainty := 1.0 - view.Confidence
		if uncertainty < 1e-6 {
			uncertainty = 1e-6
		}
		omega.Set(i, i, uncertainty)

		switch view.Type {
		case ViewAbsolute:
			j, ok := index[view.Symbol]
			if !ok {
				return nil, nil, nil, fmt.Errorf("view %d: unknown symbol %s", i, view.Symbol)
			}
			p.Set(i, j, 1.0)
		case ViewRelative:
			j1, ok1 := index[view.Symbol1]
			j2, ok2 := index[view.Symbol2]
			if !ok1 || !ok2 {
				return nil, nil, nil, fmt.Errorf("view %d: unknown symbol pair %s/%s", i, view.Symbol1, view.Symbol2)
			}
			p.Set(i, j1, 1.0)
			p.Set(i, j2, -1.0)
		default:
			return nil, nil, nil, fmt.Errorf("view %d: unknown view type %q", i, view.Type)
		}
	}

	return p, q, omega, nil
}

// denseFromRows converts a row-slice matrix to a gonum Dense, validating shape.
func denseFromRows(rows [][]float64) (*mat.Dense, error) {
	n := len(rows)
	out := mat.NewDense(n, n, nil)
	for i := range rows {
		if len(rows[i]) != n {
			return nil, fmt.Errorf("covariance row %d has %d columns, expected %d", i, len(rows[i]), n)
		}
		for j := range rows[i] {
			out.Set(i, j, rows[i][j])
		}
	}
	return out, nil
}
