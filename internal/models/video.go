package models

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// VideoStatus is the lifecycle state of an uploaded video.
type VideoStatus string

const (
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusReady      VideoStatus = "ready"
	VideoStatusFailed     VideoStatus = "failed"
)

// Quality names that address the uploaded file instead of a rendition.
const (
	QualityOriginal = "original"
	QualityRaw      = "raw"
)

// ErrStatusFinal is returned when a status write finds the video no longer
// processing (already terminal) or not owned by the caller.
var ErrStatusFinal = errors.New("video is not processing")

// IsTerminal reports whether no further transition is allowed.
func (s VideoStatus) IsTerminal() bool {
	return s == VideoStatusReady || s == VideoStatusFailed
}

// Valid reports whether s is a known status.
func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusProcessing, VideoStatusReady, VideoStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Only processing -> ready and processing -> failed are allowed.
func CanTransition(from, to VideoStatus) bool {
	return from == VideoStatusProcessing && to.IsTerminal()
}

// Video is an uploaded video and its renditions.
type Video struct {
	ID           uuid.UUID         `json:"video_id"`
	OwnerID      uuid.UUID         `json:"owner_id"`
	Title        string            `json:"title"`
	Status       VideoStatus       `json:"status"`
	RawPath      string            `json:"-"`
	VariantPaths map[string]string `json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// VariantPath returns the stored output path for a quality profile.
func (v *Video) VariantPath(quality string) (string, bool) {
	p, ok := v.VariantPaths[quality]
	return p, ok && p != ""
}

// Qualities returns the names of recorded renditions, sorted.
func (v *Video) Qualities() []string {
	out := make([]string, 0, len(v.VariantPaths))
	for name := range v.VariantPaths {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// VideoSummary is the list view returned by GET /videos.
type VideoSummary struct {
	ID     uuid.UUID   `json:"video_id"`
	Title  string      `json:"title"`
	Status VideoStatus `json:"status"`
}

// VideoDetail is the single-video view; file paths stay server-side.
type VideoDetail struct {
	ID        uuid.UUID   `json:"video_id"`
	Title     string      `json:"title"`
	Status    VideoStatus `json:"status"`
	Qualities []string    `json:"qualities"`
	CreatedAt time.Time   `json:"created_at"`
}

// ToDetail converts Video to VideoDetail. Qualities are only listed once ready.
func (v *Video) ToDetail() VideoDetail {
	d := VideoDetail{ID: v.ID, Title: v.Title, Status: v.Status, Qualities: []string{}, CreatedAt: v.CreatedAt}
	if v.Status == VideoStatusReady {
		d.Qualities = v.Qualities()
	}
	return d
}
