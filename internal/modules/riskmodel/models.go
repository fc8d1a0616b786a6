package riskmodel

// CorrelationPair flags a pair of assets whose correlation exceeds the
// reporting threshold.
type CorrelationPair struct {
	Symbol1     string
	Symbol2     string
	Correlation float64
}

// CovarianceResult is the output of a covariance build: the repaired matrix
// in the order of Symbols, plus diagnostics about the repair step.
type CovarianceResult struct {
	Symbols          []string
	Matrix           [][]float64
	Repaired         bool // true when the PD projection had to adjust the matrix
	HighCorrelations []CorrelationPair
}
