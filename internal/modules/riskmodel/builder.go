// Package riskmodel assembles covariance matrices from stored correlation
// and volatility estimates. Assembled matrices are passed through the
// nearest-PD repair before release, since pairwise-estimated correlations
// frequently produce matrices that are not positive definite.
package riskmodel

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ipozdeev/black-litterman-bayes/internal/modules/repair"
)

// HighCorrelationThreshold marks asset pairs worth flagging in diagnostics.
const HighCorrelationThreshold = 0.80

// Builder builds covariance matrices from the market database.
type Builder struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBuilder creates a new covariance builder.
func NewBuilder(db *sql.DB, log zerolog.Logger) *Builder {
	return &Builder{
		db:  db,
		log: log.With().Str("component", "risk_model").Logger(),
	}
}

// Symbols returns all symbols with a stored volatility estimate, in
// alphabetical order. This ordering fixes row/column positions everywhere
// downstream.
func (b *Builder) Symbols() ([]string, error) {
	rows, err := b.db.Query(`SELECT symbol FROM volatilities ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query volatilities: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return symbols, nil
}

// BuildCovarianceMatrix assembles Σ from the correlation and volatility
// tables (Σij = ρij·σi·σj), then repairs it to the nearest positive-definite
// matrix. The returned result records whether repair changed anything and
// which pairs exceed the high-correlation threshold.
func (b *Builder) BuildCovarianceMatrix(symbols []string) (*CovarianceResult, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols provided")
	}

	b.log.Info().
		Int("num_symbols", len(symbols)).
		Msg("Building covariance matrix")

	stdDevs, err := b.fetchVolatilities(symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch volatilities: %w", err)
	}

	correlations, err := b.fetchCorrelations(symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch correlations: %w", err)
	}

	n := len(symbols)
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		cov[i][i] = stdDevs[i] * stdDevs[i]
		for j := i + 1; j < n; j++ {
			rho := correlations[pairKey(symbols[i], symbols[j])]
			v := rho * stdDevs[i] * stdDevs[j]
			cov[i][j] = v
			cov[j][i] = v
		}
	}

	repaired, changed, err := repair.NearestPDSlice(cov)
	if err != nil {
		return nil, fmt.Errorf("failed to repair covariance matrix: %w", err)
	}
	if changed {
		b.log.Warn().
			Int("matrix_size", n).
			Msg("Covariance matrix was not positive definite, applied nearest-PD repair")
	}

	high := b.getCorrelations(repaired, symbols, HighCorrelationThreshold)

	b.log.Info().
		Int("matrix_size", n).
		Bool("repaired", changed).
		Int("high_correlations", len(high)).
		Msg("Built covariance matrix")

	return &CovarianceResult{
		Symbols:          symbols,
		Matrix:           repaired,
		Repaired:         changed,
		HighCorrelations: high,
	}, nil
}

// BuildAll builds covariance matrices for several independent symbol groups
// in parallel. Each build operates on its own data, so the groups need no
// coordination beyond the shared database handle.
func (b *Builder) BuildAll(ctx context.Context, groups [][]string) ([]*CovarianceResult, error) {
	results := make([]*CovarianceResult, len(groups))

	g, _ := errgroup.WithContext(ctx)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			res, err := b.BuildCovarianceMatrix(group)
			if err != nil {
				return fmt.Errorf("group %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fetchVolatilities returns standard deviations in symbol order.
func (b *Builder) fetchVolatilities(symbols []string) ([]float64, error) {
	query := `SELECT symbol, std_dev FROM volatilities WHERE symbol IN (` +
		buildPlaceholders(len(symbols)) + `)`

	args := make([]interface{}, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, s)
	}

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query volatilities: %w", err)
	}
	defer rows.Close()

	bySymbol := make(map[string]float64, len(symbols))
	for rows.Next() {
		var symbol string
		var sd float64
		if err := rows.Scan(&symbol, &sd); err != nil {
			return nil, fmt.Errorf("failed to scan volatility row: %w", err)
		}
		bySymbol[symbol] = sd
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating volatility rows: %w", err)
	}

	out := make([]float64, len(symbols))
	for i, s := range symbols {
		sd, ok := bySymbol[s]
		if !ok {
			return nil, fmt.Errorf("missing volatility for symbol %s", s)
		}
		if sd <= 0 {
			return nil, fmt.Errorf("non-positive volatility %v for symbol %s", sd, s)
		}
		out[i] = sd
	}
	return out, nil
}

// fetchCorrelations returns pairwise correlations keyed by pairKey. Pairs
// absent from the table default to zero correlation.
func (b *Builder) fetchCorrelations(symbols []string) (map[string]float64, error) {
	placeholders := buildPlaceholders(len(symbols))
	query := `SELECT symbol1, symbol2, correlation FROM correlations
		WHERE symbol1 IN (` + placeholders + `) AND symbol2 IN (` + placeholders + `)`

	args := make([]interface{}, 0, 2*len(symbols))
	for _, s := range symbols {
		args = append(args, s)
	}
	for _, s := range symbols {
		args = append(args, s)
	}

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var s1, s2 string
		var rho float64
		if err := rows.Scan(&s1, &s2, &rho); err != nil {
			return nil, fmt.Errorf("failed to scan correlation row: %w", err)
		}
		if rho < -1 || rho > 1 {
			return nil, fmt.Errorf("correlation %v for pair %s/%s out of [-1, 1]", rho, s1, s2)
		}
		// Store both orderings for symmetric lookup
		out[pairKey(s1, s2)] = rho
		out[pairKey(s2, s1)] = rho
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlation rows: %w", err)
	}
	return out, nil
}

// getCorrelations extracts high correlation pairs from a covariance matrix.
func (b *Builder) getCorrelations(
	covMatrix [][]float64,
	symbols []string,
	threshold float64,
) []CorrelationPair {
	if len(covMatrix) == 0 || len(symbols) == 0 {
		return []CorrelationPair{}
	}

	variances := make([]float64, len(covMatrix))
	for i := 0; i < len(covMatrix); i++ {
		variances[i] = covMatrix[i][i]
	}

	correlations := make([]CorrelationPair, 0)
	for i := 0; i < len(covMatrix); i++ {
		for j := i + 1; j < len(covMatrix); j++ {
			if variances[i] > 0 && variances[j] > 0 {
				correlation := covMatrix[i][j] / math.Sqrt(variances[i]*variances[j])

				if math.Abs(correlation) >= threshold {
					correlations = append(correlations, CorrelationPair{
						Symbol1:     symbols[i],
						Symbol2:     symbols[j],
						Correlation: correlation,
					})

					b.log.Debug().
						Str("symbol1", symbols[i]).
						Str("symbol2", symbols[j]).
						Float64("correlation", correlation).
						Msg("High correlation detected")
				}
			}
		}
	}

	return correlations
}

// pairKey builds the symmetric lookup key for a symbol pair.
func pairKey(s1, s2 string) string {
	return s1 + ":" + s2
}

// buildPlaceholders builds SQL placeholders for IN clause.
func buildPlaceholders(n int) string {
	if n == 0 {
		return ""
	}
	placeholders := "?"
	for i := 1; i < n; i++ {
		placeholders += ", ?"
	}
	return placeholders
}
