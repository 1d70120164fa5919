package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/publish"
	"github.com/PortNumber53/crosspost/internal/store"
	v "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	log "github.com/sirupsen/logrus"
)

const defaultListLimit = 100

type scheduleInput struct {
	UserID         string                 `json:"userId"`
	Caption        string                 `json:"caption"`
	VideoURL       string                 `json:"videoUrl"`
	ThumbnailURL   string                 `json:"thumbnailUrl"`
	Platforms      []string               `json:"platforms"`
	MediaType      string                 `json:"mediaType"`
	VideoID        string                 `json:"videoId"`
	TikTokSettings *models.TikTokSettings `json:"tiktokSettings"`
	ScheduledAt    *time.Time             `json:"scheduledAt"`
	Status         models.Status          `json:"status"`
}

// normalize defaults the status from scheduledAt when the caller left it out.
func (in *scheduleInput) normalize() {
	if in.Status != "" {
		return
	}
	if in.ScheduledAt != nil {
		in.Status = models.StatusScheduled
		return
	}
	in.Status = models.StatusDraft
}

func (in scheduleInput) Validate() error {
	return v.ValidateStruct(&in,
		v.Field(&in.UserID, v.Required),
		v.Field(&in.VideoURL, v.Required, is.URL),
		v.Field(&in.Platforms, v.Required, v.Each(v.Required)),
		v.Field(&in.Status, v.In(models.StatusDraft, models.StatusScheduled).Error("must be draft or scheduled")),
		v.Field(&in.ScheduledAt, v.When(in.Status == models.StatusScheduled, v.Required.Error("is required for scheduled posts"))),
	)
}

func (in scheduleInput) record() *models.ScheduleRecord {
	var at *time.Time
	if in.ScheduledAt != nil {
		t := in.ScheduledAt.UTC()
		at = &t
	}
	return &models.ScheduleRecord{
		UserID:         in.UserID,
		Caption:        in.Caption,
		VideoURL:       in.VideoURL,
		ThumbnailURL:   in.ThumbnailURL,
		Platforms:      in.Platforms,
		MediaType:      in.MediaType,
		VideoID:        in.VideoID,
		TikTokSettings: in.TikTokSettings,
		ScheduledAt:    at,
		Status:         in.Status,
	}
}

func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	userID := queryParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := defaultListLimit
	if s := queryParam(r, "limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	recs, err := h.schedules.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.normalize()
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec := in.record()
	if err := h.schedules.Create(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log("schedules").WithFields(log.Fields{"scheduleId": rec.ID, "userId": rec.UserID, "status": rec.Status}).Info("schedule created")
	writeJSON(w, http.StatusCreated, rec)
}

// ownedSchedule loads {id} and hides records owned by someone else behind 404.
func (h *Handler) ownedSchedule(w http.ResponseWriter, r *http.Request, userID string) (*models.ScheduleRecord, bool) {
	rec, err := h.schedules.Get(r.Context(), pathVar(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && userID != "" && rec.UserID != userID) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return rec, true
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	userID := queryParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	rec, ok := h.ownedSchedule(w, r, userID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateSchedule rewrites a draft, scheduled or failed record; a failed record
// moved back to scheduled is picked up by the next sweep.
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.normalize()
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := h.ownedSchedule(w, r, in.UserID); !ok {
		return
	}
	rec := in.record()
	rec.ID = pathVar(r, "id")
	err := h.schedules.Update(r.Context(), rec)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	case errors.Is(err, store.ErrNotEditable):
		writeError(w, http.StatusConflict, "schedule can no longer be edited")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.events.Emit(publish.StatusEvent(rec, h.now()))
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	userID := queryParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	err := h.schedules.Delete(r.Context(), userID, pathVar(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
