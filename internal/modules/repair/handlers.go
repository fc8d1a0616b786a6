package repair

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// Handler handles HTTP requests for the repair module.
type Handler struct {
	log zerolog.Logger
}

// NewHandler creates a new repair handler.
func NewHandler(log zerolog.Logger) *Handler {
	return &Handler{
		log: log.With().Str("component", "repair_handler").Logger(),
	}
}

type repairRequest struct {
	Matrix [][]float64 `json:"matrix"`
}

type repairResponse struct {
	Matrix   [][]float64 `json:"matrix"`
	Repaired bool        `json:"repaired"`
}

// HandleRepair handles POST /api/repair - projects a matrix to the nearest PD matrix.
func (h *Handler) HandleRepair(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Matrix) == 0 {
		h.writeError(w, http.StatusBadRequest, "Matrix cannot be empty")
		return
	}
	for i, row := range req.Matrix {
		if len(row) != len(req.Matrix) {
			h.writeError(w, http.StatusBadRequest, "Matrix must be square")
			h.log.Debug().Int("row", i).Int("cols", len(row)).Msg("Rejected non-square matrix")
			return
		}
	}

	out, changed, err := NearestPDSlice(req.Matrix)
	if err != nil {
		var limitErr *IterationLimitError
		if errors.As(err, &limitErr) {
			h.log.Warn().
				Int("iterations", limitErr.Iterations).
				Float64("min_eigenvalue", limitErr.MinEigenvalue).
				Msg("Nearest-PD repair did not converge")
			h.writeError(w, http.StatusUnprocessableEntity,
				"Matrix is too degenerate to repair: "+limitErr.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, repairResponse{Matrix: out, Repaired: changed})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
