package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ipozdeev/black-litterman-bayes/internal/modules/blacklitterman"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/snapshots"
	"github.com/ipozdeev/black-litterman-bayes/internal/scheduler"
)

// PosteriorHandlers exposes the Black-Litterman posterior over HTTP.
type PosteriorHandlers struct {
	job          *scheduler.RebuildPosteriorJob
	snapshotRepo *snapshots.Repository
	blRepo       *blacklitterman.Repository
	log          zerolog.Logger
}

// NewPosteriorHandlers creates the posterior handler set.
func NewPosteriorHandlers(
	job *scheduler.RebuildPosteriorJob,
	snapshotRepo *snapshots.Repository,
	blRepo *blacklitterman.Repository,
	log zerolog.Logger,
) *PosteriorHandlers {
	return &PosteriorHandlers{
		job:          job,
		snapshotRepo: snapshotRepo,
		blRepo:       blRepo,
		log:          log.With().Str("component", "posterior_handlers").Logger(),
	}
}

// HandleRun handles POST /api/posterior/run - rebuilds the posterior now.
func (h *PosteriorHandlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	h.log.Info().Msg("Manual posterior rebuild requested")

	snapshot, err := h.job.Execute()
	if err != nil {
		h.log.Error().Err(err).Msg("Posterior rebuild failed")
		h.writeError(w, http.StatusInternalServerError, "Posterior rebuild failed: "+err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, snapshot)
}

// HandleLatest handles GET /api/posterior/latest - returns the newest snapshot.
func (h *PosteriorHandlers) HandleLatest(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.snapshotRepo.Latest()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load latest snapshot")
		h.writeError(w, http.StatusInternalServerError, "Failed to load latest snapshot")
		return
	}
	if snapshot == nil {
		h.writeError(w, http.StatusNotFound, "No posterior computed yet")
		return
	}

	h.writeJSON(w, http.StatusOK, snapshot)
}

// HandleGetSnapshot handles GET /api/posterior/snapshots/{uuid}.
func (h *PosteriorHandlers) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")

	snapshot, err := h.snapshotRepo.Get(id)
	if err != nil {
		h.log.Error().Err(err).Str("uuid", id).Msg("Failed to load snapshot")
		h.writeError(w, http.StatusInternalServerError, "Failed to load snapshot")
		return
	}
	if snapshot == nil {
		h.writeError(w, http.StatusNotFound, "Snapshot not found")
		return
	}

	h.writeJSON(w, http.StatusOK, snapshot)
}

// HandleListSnapshots handles GET /api/posterior/snapshots.
func (h *PosteriorHandlers) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := h.snapshotRepo.List(50)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list snapshots")
		h.writeError(w, http.StatusInternalServerError, "Failed to list snapshots")
		return
	}

	items := make([]map[string]interface{}, 0, len(list))
	for _, s := range list {
		items = append(items, map[string]interface{}{
			"uuid":       s.UUID,
			"created_at": s.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": items})
}

// HandleAddView handles POST /api/views - stores a new analyst view.
func (h *PosteriorHandlers) HandleAddView(w http.ResponseWriter, r *http.Request) {
	var view blacklitterman.View
	if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	id, err := h.blRepo.SaveView(view)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info().Int64("id", id).Str("type", string(view.Type)).Msg("Stored view")
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

// HandleListViews handles GET /api/views.
func (h *PosteriorHandlers) HandleListViews(w http.ResponseWriter, r *http.Request) {
	views, err := h.blRepo.Views()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list views")
		h.writeError(w, http.StatusInternalServerError, "Failed to list views")
		return
	}
	if views == nil {
		views = []blacklitterman.View{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"views": views})
}

func (h *PosteriorHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *PosteriorHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
