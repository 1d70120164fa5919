package publish

import (
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
)

const (
	EventScheduleQueued    = "schedule.queued"
	EventSchedulePublished = "schedule.published"
	EventScheduleFailed    = "schedule.failed"
	EventScheduleUpdated   = "schedule.updated"
)

// Event is a status change pushed to the owning user.
type Event struct {
	Type       string        `json:"type"`
	UserID     string        `json:"userId"`
	ScheduleID string        `json:"scheduleId,omitempty"`
	Status     models.Status `json:"status,omitempty"`
	PublishID  string        `json:"publishId,omitempty"`
	TikTokURL  string        `json:"tiktokUrl,omitempty"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}

type EventSink interface {
	Emit(ev Event)
}

type NopSink struct{}

func (NopSink) Emit(Event) {}

// StatusEvent builds the event for a record that just moved to rec.Status.
func StatusEvent(rec *models.ScheduleRecord, at time.Time) Event {
	typ := EventScheduleUpdated
	switch rec.Status {
	case models.StatusQueued:
		typ = EventScheduleQueued
	case models.StatusPublished:
		typ = EventSchedulePublished
	case models.StatusFailed:
		typ = EventScheduleFailed
	}
	return Event{
		Type:       typ,
		UserID:     rec.UserID,
		ScheduleID: rec.ID,
		Status:     rec.Status,
		PublishID:  rec.PublishID,
		TikTokURL:  rec.TikTokURL,
		Error:      rec.LastError,
		At:         at.UTC(),
	}
}
