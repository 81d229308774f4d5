package types

// ID types for the entities persisted in the metadata store. They are plain
// strings (uuid text) so they can flow through JSON and SQL unchanged.
type (
	CameraID    string
	StreamID    string
	RecordingID string
	ScheduleID  string
	SessionID   string
	EventID     string
	BranchID    string
)

// EventType classifies what caused a recording or a camera event.
type EventType string

const (
	EventContinuous EventType = "continuous"
	EventMotion     EventType = "motion"
	EventAudio      EventType = "audio"
	EventManual     EventType = "manual"
	EventAnalytics  EventType = "analytics"
	EventExternal   EventType = "external"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventContinuous, EventMotion, EventAudio, EventManual, EventAnalytics, EventExternal:
		return true
	}
	return false
}

// StreamRole distinguishes the transports a camera exposes.
type StreamRole string

const (
	StreamPrimary StreamRole = "primary"
	StreamSub     StreamRole = "sub"
)
