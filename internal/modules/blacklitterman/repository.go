package blacklitterman

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// Repository loads market weights and stored views from the market database.
type Repository struct {
	db  *sql.DB // market.db
	log zerolog.Logger
}

// NewRepository creates a new Black-Litterman input repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "black_litterman").Logger(),
	}
}

// MarketWeights returns the market-capitalization weights keyed by symbol.
func (r *Repository) MarketWeights() (map[string]float64, error) {
	rows, err := r.db.Query(`SELECT symbol, weight FROM market_weights`)
	if err != nil {
		return nil, fmt.Errorf("failed to query market weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var weight float64
		if err := rows.Scan(&symbol, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan market weight row: %w", err)
		}
		weights[symbol] = weight
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating market weight rows: %w", err)
	}
	return weights, nil
}

// Views returns all stored analyst views.
func (r *Repository) Views() ([]View, error) {
	rows, err := r.db.Query(
		`SELECT type, symbol, symbol1, symbol2, ret, confidence FROM views ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query views: %w", err)
	}
	defer rows.Close()

	var views []View
	for rows.Next() {
		var v View
		var viewType string
		var symbol, symbol1, symbol2 sql.NullString
		if err := rows.Scan(&viewType, &symbol, &symbol1, &symbol2, &v.Return, &v.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan view row: %w", err)
		}
		v.Type = ViewType(viewType)
		v.Symbol = symbol.String
		v.Symbol1 = symbol1.String
		v.Symbol2 = symbol2.String
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating view rows: %w", err)
	}

	r.log.Debug().Int("num_views", len(views)).Msg("Loaded views")
	return views, nil
}

// SaveView stores a new analyst view and returns its row id.
func (r *Repository) SaveView(v View) (int64, error) {
	if v.Confidence <= 0 || v.Confidence > 1 {
		return 0, fmt.Errorf("confidence %v out of (0, 1]", v.Confidence)
	}
	switch v.Type {
	case ViewAbsolute:
		if v.Symbol == "" {
			return 0, fmt.Errorf("absolute view requires a symbol")
		}
	case ViewRelative:
		if v.Symbol1 == "" || v.Symbol2 == "" {
			return 0, fmt.Errorf("relative view requires both symbols")
		}
	default:
		return 0, fmt.Errorf("unknown view type %q", v.Type)
	}

	res, err := r.db.Exec(
		`INSERT INTO views (type, symbol, symbol1, symbol2, ret, confidence) VALUES (?, ?, ?, ?, ?, ?)`,
		string(v.Type), v.Symbol, v.Symbol1, v.Symbol2, v.Return, v.Confidence,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert view: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted view id: %w", err)
	}
	return id, nil
}
