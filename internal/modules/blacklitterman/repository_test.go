package blacklitterman

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const testSchema = `
CREATE TABLE market_weights (
	symbol TEXT PRIMARY KEY,
	weight REAL NOT NULL
);
CREATE TABLE views (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	type       TEXT NOT NULL,
	symbol     TEXT,
	symbol1    TEXT,
	symbol2    TEXT,
	ret        REAL NOT NULL,
	confidence REAL NOT NULL
);
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return db
}

func TestRepository_MarketWeights(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.Exec(`INSERT INTO market_weights (symbol, weight) VALUES ('A', 0.6), ('B', 0.4)`)
	require.NoError(t, err)

	repo := NewRepository(db, zerolog.Nop())
	weights, err := repo.MarketWeights()
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{"A": 0.6, "B": 0.4}, weights)
}

func TestRepository_SaveAndLoadViews(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	id1, err := repo.SaveView(View{
		Type: ViewAbsolute, Symbol: "A", Return: 0.1, Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Positive(t, id1)

	id2, err := repo.SaveView(View{
		Type: ViewRelative, Symbol1: "A", Symbol2: "B", Return: 0.03, Confidence: 0.5,
	})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	views, err := repo.Views()
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, ViewAbsolute, views[0].Type)
	assert.Equal(t, "A", views[0].Symbol)
	assert.Equal(t, 0.1, views[0].Return)

	assert.Equal(t, ViewRelative, views[1].Type)
	assert.Equal(t, "A", views[1].Symbol1)
	assert.Equal(t, "B", views[1].Symbol2)
}

func TestRepository_SaveViewValidation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	_, err := repo.SaveView(View{Type: ViewAbsolute, Symbol: "A", Return: 0.1, Confidence: 0})
	assert.Error(t, err)

	_, err = repo.SaveView(View{Type: ViewAbsolute, Return: 0.1, Confidence: 0.5})
	assert.Error(t, err)

	_, err = repo.SaveView(View{Type: ViewRelative, Symbol1: "A", Return: 0.1, Confidence: 0.5})
	assert.Error(t, err)

	_, err = repo.SaveView(View{Type: "sideways", Symbol: "A", Return: 0.1, Confidence: 0.5})
	assert.Error(t, err)
}
