package store

import (
	"time"

	"github.com/camnvr/camnvr/src/types"
)

// Camera is a managed device. Deleting a camera cascades to its streams,
// recordings and schedules.
type Camera struct {
	ID            types.CameraID `json:"camera_id"`
	Name          string         `json:"name"`
	Address       string         `json:"address"`
	Username      string         `json:"username,omitempty"`
	Password      string         `json:"-"`
	HasPTZ        bool           `json:"has_ptz"`
	HasAudio      bool           `json:"has_audio"`
	HasAnalytics  bool           `json:"has_analytics"`
	RetentionDays int            `json:"retention_days,omitempty"` // 0 falls back to the global default
	CreatedAt     time.Time      `json:"created_at"`
}

// Stream is one transport endpoint of a camera. At most one primary per
// camera, enforced by a partial unique index.
type Stream struct {
	ID         types.StreamID   `json:"stream_id"`
	CameraID   types.CameraID   `json:"camera_id"`
	Role       types.StreamRole `json:"role"`
	URL        string           `json:"url"`
	Codec      string           `json:"codec"`
	Resolution string           `json:"resolution,omitempty"`
	Bitrate    int              `json:"bitrate,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Recording is either a parent (SegmentID nil) or a sub-segment belonging to
// ParentID. Parents keep cumulative file_size and duration.
type Recording struct {
	ID         types.RecordingID  `json:"recording_id"`
	CameraID   types.CameraID     `json:"camera_id"`
	StreamID   types.StreamID     `json:"stream_id"`
	ParentID   *types.RecordingID `json:"parent_recording_id,omitempty"`
	SegmentID  *int               `json:"segment_id,omitempty"`
	StartTime  time.Time          `json:"start_time"`
	EndTime    *time.Time         `json:"end_time,omitempty"`
	FilePath   string             `json:"file_path"`
	FileSize   int64              `json:"file_size"`
	Duration   time.Duration      `json:"duration"`
	Format     string             `json:"format"`
	Resolution string             `json:"resolution,omitempty"`
	Codec      string             `json:"codec,omitempty"` // RFC 6381, e.g. avc1.64001F
	EventType  types.EventType    `json:"event_type"`
	ScheduleID *types.ScheduleID  `json:"schedule_id,omitempty"`
	Tombstoned bool               `json:"tombstoned,omitempty"`
}

// IsParent reports whether r is a parent row.
func (r *Recording) IsParent() bool { return r.ParentID == nil }

// RecordingSchedule describes when a (camera, stream) pair should record.
// StartTime/EndTime are local HH:MM; a window with start > end straddles
// midnight and is interpreted as [start, 24:00) ∪ [00:00, end).
type RecordingSchedule struct {
	ID                  types.ScheduleID `json:"schedule_id"`
	CameraID            types.CameraID   `json:"camera_id"`
	StreamID            types.StreamID   `json:"stream_id"`
	DaysOfWeek          []int            `json:"days_of_week"`
	StartTime           string           `json:"start_time"`
	EndTime             string           `json:"end_time"`
	Enabled             bool             `json:"enabled"`
	RetentionDays       int              `json:"retention_days,omitempty"`
	RecordOnMotion      bool             `json:"record_on_motion"`
	RecordOnAudio       bool             `json:"record_on_audio"`
	RecordOnAnalytics   bool             `json:"record_on_analytics"`
	RecordOnExternal    bool             `json:"record_on_external"`
	ContinuousRecording bool             `json:"continuous_recording"`
	CreatedAt           time.Time        `json:"created_at"`
}

// EventFlagFor reports whether the schedule reacts to the given event type.
func (s *RecordingSchedule) EventFlagFor(t types.EventType) bool {
	switch t {
	case types.EventMotion:
		return s.RecordOnMotion
	case types.EventAudio:
		return s.RecordOnAudio
	case types.EventAnalytics:
		return s.RecordOnAnalytics
	case types.EventExternal:
		return s.RecordOnExternal
	}
	return false
}

// HasEventFlag reports whether any event trigger is set.
func (s *RecordingSchedule) HasEventFlag() bool {
	return s.RecordOnMotion || s.RecordOnAudio || s.RecordOnAnalytics || s.RecordOnExternal
}

// Event is a camera event that may trigger recordings.
type Event struct {
	ID         types.EventID   `json:"event_id"`
	CameraID   types.CameraID  `json:"camera_id"`
	Type       types.EventType `json:"event_type"`
	Severity   string          `json:"severity"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    *time.Time      `json:"end_time,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Metadata   string          `json:"metadata,omitempty"` // JSON blob, opaque to the store
}

// RecordingFilter narrows SearchRecordings.
type RecordingFilter struct {
	CameraID  types.CameraID
	StreamID  types.StreamID
	EventType types.EventType
	Start     *time.Time
	End       *time.Time
	// ParentsOnly restricts the result to parent rows.
	ParentsOnly bool
}
