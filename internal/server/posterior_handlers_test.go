package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipozdeev/black-litterman-bayes/internal/database"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/blacklitterman"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/snapshots"
)

func newTestPosteriorHandlers(t *testing.T) *PosteriorHandlers {
	t.Helper()

	marketDB := openTestDatabase(t, "market", database.ProfileMarket)
	cacheDB := openTestDatabase(t, "cache", database.ProfileCache)

	log := zerolog.Nop()
	return NewPosteriorHandlers(
		nil, // job is not exercised by these handlers
		snapshots.NewRepository(cacheDB.Conn(), log),
		blacklitterman.NewRepository(marketDB.Conn(), log),
		log,
	)
}

func TestHandleLatest_NotFoundBeforeFirstRun(t *testing.T) {
	handlers := newTestPosteriorHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/posterior/latest", nil)
	rec := httptest.NewRecorder()
	handlers.HandleLatest(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAddView(t *testing.T) {
	handlers := newTestPosteriorHandlers(t)

	body, err := json.Marshal(blacklitterman.View{
		Type: blacklitterman.ViewAbsolute, Symbol: "AAA", Return: 0.1, Confidence: 0.8,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/views", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handlers.HandleAddView(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Positive(t, resp.ID)
}

func TestHandleAddView_Rejects(t *testing.T) {
	handlers := newTestPosteriorHandlers(t)

	invalid := []blacklitterman.View{
		{Type: blacklitterman.ViewAbsolute, Symbol: "AAA", Return: 0.1, Confidence: 0},  // no confidence
		{Type: blacklitterman.ViewAbsolute, Return: 0.1, Confidence: 0.5},               // no symbol
		{Type: blacklitterman.ViewRelative, Symbol1: "AAA", Return: 0.1, Confidence: 1}, // half a pair
		{Type: "sideways", Symbol: "AAA", Return: 0.1, Confidence: 0.5},                 // unknown type
	}
	for _, v := range invalid {
		body, err := json.Marshal(v)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/api/views", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handlers.HandleAddView(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "view %+v must be rejected", v)
	}

	// Malformed JSON
	req := httptest.NewRequest(http.MethodPost, "/api/views", bytes.NewReader([]byte("{oops")))
	rec := httptest.NewRecorder()
	handlers.HandleAddView(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListViews(t *testing.T) {
	handlers := newTestPosteriorHandlers(t)

	// Empty store returns an empty list, not null.
	req := httptest.NewRequest(http.MethodGet, "/api/views", nil)
	rec := httptest.NewRecorder()
	handlers.HandleListViews(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Views []blacklitterman.View `json:"views"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Views)
	assert.Empty(t, resp.Views)
}
