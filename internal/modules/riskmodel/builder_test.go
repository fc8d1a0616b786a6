package riskmodel

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"
)

const testSchema = `
CREATE TABLE volatilities (
	symbol  TEXT PRIMARY KEY,
	std_dev REAL NOT NULL CHECK (std_dev > 0)
);
CREATE TABLE correlations (
	symbol1     TEXT NOT NULL,
	symbol2     TEXT NOT NULL,
	correlation REAL NOT NULL,
	PRIMARY KEY (symbol1, symbol2)
);
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive for the test.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return db
}

func insertVolatility(t *testing.T, db *sql.DB, symbol string, sd float64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO volatilities (symbol, std_dev) VALUES (?, ?)`, symbol, sd)
	require.NoError(t, err)
}

func insertCorrelation(t *testing.T, db *sql.DB, s1, s2 string, rho float64) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO correlations (symbol1, symbol2, correlation) VALUES (?, ?, ?)`, s1, s2, rho)
	require.NoError(t, err)
}

func assertPositiveDefinite(t *testing.T, rows [][]float64) {
	t.Helper()
	n := len(rows)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, rows[i][j])
		}
	}
	var chol mat.Cholesky
	assert.True(t, chol.Factorize(sym), "matrix must be positive definite")
}

func TestBuilder_BuildCovarianceMatrix(t *testing.T) {
	db := setupTestDB(t)
	insertVolatility(t, db, "AAA", 0.20)
	insertVolatility(t, db, "BBB", 0.10)
	insertCorrelation(t, db, "AAA", "BBB", 0.5)

	builder := NewBuilder(db, zerolog.Nop())
	result, err := builder.BuildCovarianceMatrix([]string{"AAA", "BBB"})
	require.NoError(t, err)

	// Σij = ρij σi σj
	assert.InDelta(t, 0.04, result.Matrix[0][0], 1e-12)
	assert.InDelta(t, 0.01, result.Matrix[1][1], 1e-12)
	assert.InDelta(t, 0.5*0.20*0.10, result.Matrix[0][1], 1e-12)
	assert.Equal(t, result.Matrix[0][1], result.Matrix[1][0])

	// A consistent 2x2 correlation structure is already PD.
	assert.False(t, result.Repaired)
	assertPositiveDefinite(t, result.Matrix)
}

func TestBuilder_RepairsInconsistentCorrelations(t *testing.T) {
	// ρ(A,B)=0.9, ρ(A,C)=0.9, ρ(B,C)=-0.9 cannot coexist: the implied
	// correlation matrix has a negative eigenvalue.
	db := setupTestDB(t)
	insertVolatility(t, db, "AAA", 0.2)
	insertVolatility(t, db, "BBB", 0.2)
	insertVolatility(t, db, "CCC", 0.2)
	insertCorrelation(t, db, "AAA", "BBB", 0.9)
	insertCorrelation(t, db, "AAA", "CCC", 0.9)
	insertCorrelation(t, db, "BBB", "CCC", -0.9)

	builder := NewBuilder(db, zerolog.Nop())
	result, err := builder.BuildCovarianceMatrix([]string{"AAA", "BBB", "CCC"})
	require.NoError(t, err)

	assert.True(t, result.Repaired, "inconsistent correlations must trigger repair")
	assertPositiveDefinite(t, result.Matrix)

	// Repair must preserve exact symmetry.
	for i := range result.Matrix {
		for j := range result.Matrix {
			assert.Equal(t, result.Matrix[i][j], result.Matrix[j][i])
		}
	}
}

func TestBuilder_MissingCorrelationDefaultsToZero(t *testing.T) {
	db := setupTestDB(t)
	insertVolatility(t, db, "AAA", 0.3)
	insertVolatility(t, db, "BBB", 0.1)
	// No correlation row for the pair.

	builder := NewBuilder(db, zerolog.Nop())
	result, err := builder.BuildCovarianceMatrix([]string{"AAA", "BBB"})
	require.NoError(t, err)

	assert.Zero(t, result.Matrix[0][1])
	assert.False(t, result.Repaired)
}

func TestBuilder_MissingVolatilityFails(t *testing.T) {
	db := setupTestDB(t)
	insertVolatility(t, db, "AAA", 0.2)

	builder := NewBuilder(db, zerolog.Nop())
	_, err := builder.BuildCovarianceMatrix([]string{"AAA", "ZZZ"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ZZZ")
}

func TestBuilder_HighCorrelationDiagnostics(t *testing.T) {
	db := setupTestDB(t)
	insertVolatility(t, db, "AAA", 0.2)
	insertVolatility(t, db, "BBB", 0.2)
	insertCorrelation(t, db, "AAA", "BBB", 0.95)

	builder := NewBuilder(db, zerolog.Nop())
	result, err := builder.BuildCovarianceMatrix([]string{"AAA", "BBB"})
	require.NoError(t, err)

	require.Len(t, result.HighCorrelations, 1)
	assert.Equal(t, "AAA", result.HighCorrelations[0].Symbol1)
	assert.Equal(t, "BBB", result.HighCorrelations[0].Symbol2)
	assert.InDelta(t, 0.95, result.HighCorrelations[0].Correlation, 1e-9)
}

func TestBuilder_Symbols(t *testing.T) {
	db := setupTestDB(t)
	insertVolatility(t, db, "BBB", 0.1)
	insertVolatility(t, db, "AAA", 0.2)

	builder := NewBuilder(db, zerolog.Nop())
	symbols, err := builder.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, symbols)
}

func TestBuilder_BuildAll(t *testing.T) {
	db := setupTestDB(t)
	for _, s := range []string{"AAA", "BBB", "CCC", "DDD"} {
		insertVolatility(t, db, s, 0.2)
	}
	insertCorrelation(t, db, "AAA", "BBB", 0.3)
	insertCorrelation(t, db, "CCC", "DDD", 0.4)

	builder := NewBuilder(db, zerolog.Nop())
	results, err := builder.BuildAll(context.Background(), [][]string{
		{"AAA", "BBB"},
		{"CCC", "DDD"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []string{"AAA", "BBB"}, results[0].Symbols)
	assert.InDelta(t, 0.3*0.2*0.2, results[0].Matrix[0][1], 1e-12)
	assert.Equal(t, []string{"CCC", "DDD"}, results[1].Symbols)
	assert.InDelta(t, 0.4*0.2*0.2, results[1].Matrix[0][1], 1e-12)
}
