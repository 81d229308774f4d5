// Package schedule evaluates recording schedules and drives the recording
// manager: it starts recordings when a window opens or an event fires, and
// stops the ones it owns when neither applies anymore.
package schedule

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/log"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/pkg/events"
	"github.com/camnvr/camnvr/src/pkg/sentry"
	"github.com/camnvr/camnvr/src/recording"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

var timeOfDayRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Validate rejects malformed schedules before they reach the store.
func Validate(s *store.RecordingSchedule) error {
	if s.CameraID == "" {
		return errs.E(errs.ValidationError, "schedule requires a camera_id")
	}
	if len(s.DaysOfWeek) == 0 {
		return errs.E(errs.ValidationError, "schedule requires at least one day of week")
	}
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			return errs.E(errs.ValidationError, "day of week %d out of range 0-6", d)
		}
	}
	if !timeOfDayRe.MatchString(s.StartTime) || !timeOfDayRe.MatchString(s.EndTime) {
		return errs.E(errs.ValidationError, "start_time and end_time must be HH:MM")
	}
	if s.StartTime == s.EndTime {
		return errs.E(errs.ValidationError, "schedule window is empty")
	}
	if !s.ContinuousRecording && !s.HasEventFlag() {
		return errs.E(errs.ValidationError, "schedule needs continuous_recording or an event trigger")
	}
	return nil
}

// ActiveAt reports whether the schedule window covers the given local time.
// A window whose start is after its end straddles midnight and is read as
// [start, 24:00) on the scheduled day plus [00:00, end) on the next.
func ActiveAt(s *store.RecordingSchedule, now time.Time) bool {
	hm := now.Format("15:04")
	day := int(now.Weekday())
	prevDay := (day + 6) % 7

	if s.StartTime < s.EndTime {
		return hasDay(s, day) && hm >= s.StartTime && hm < s.EndTime
	}
	if hasDay(s, day) && hm >= s.StartTime {
		return true
	}
	return hasDay(s, prevDay) && hm < s.EndTime
}

func hasDay(s *store.RecordingSchedule, day int) bool {
	for _, d := range s.DaysOfWeek {
		if d == day {
			return true
		}
	}
	return false
}

// schedStore is the slice of the store the evaluator needs.
type schedStore interface {
	ListEnabledSchedules(ctx context.Context) ([]*store.RecordingSchedule, error)
	OpenEvents(ctx context.Context, cameraID types.CameraID) ([]*store.Event, error)
	EventsSince(ctx context.Context, cameraID types.CameraID, since time.Time) ([]*store.Event, error)
}

// recorder is the slice of the recording manager the evaluator drives.
type recorder interface {
	StartRecording(ctx context.Context, cameraID types.CameraID, eventType types.EventType, scheduleID *types.ScheduleID) (types.RecordingID, error)
	StopRecording(ctx context.Context, recordingID types.RecordingID) error
	SetEventType(ctx context.Context, recordingID types.RecordingID, eventType types.EventType) error
	ListActive() []*recording.Active
}

// Evaluator is the schedule control loop.
type Evaluator struct {
	cfg    *configs.Config
	db     schedStore
	rec    recorder
	logger *logrus.Entry
	now    func() time.Time

	eventListener *events.EventListener
	dispatcher    events.Dispatcher

	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
	mu     sync.Mutex
}

func NewEvaluator(ctx context.Context) *Evaluator {
	e := &Evaluator{
		now:  time.Now,
		done: make(chan struct{}),
		kick: make(chan struct{}, 1),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.ScheduleManager = e
	}
	return e
}

func (e *Evaluator) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	e.cfg = configs.GetCurrentConfig()
	e.db = inst.Store.(schedStore)
	e.rec = inst.RecordingManager.(recorder)
	e.logger = log.GetLogger().WithField("component", "schedule")

	// A fresh camera event re-evaluates immediately instead of waiting for
	// the next tick.
	if inst.EventDispatcher != nil {
		e.dispatcher = inst.EventDispatcher.(events.Dispatcher)
		e.eventListener = events.NewEventListener(func(*events.Event) { e.Kick() })
		e.dispatcher.AddEventListener(events.CameraEventArrived, e.eventListener)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	sentry.Go(func() { e.loop(loopCtx) })
	return nil
}

func (e *Evaluator) Close(ctx context.Context) {
	if e.dispatcher != nil && e.eventListener != nil {
		e.dispatcher.RemoveEventListener(events.CameraEventArrived, e.eventListener)
	}
	e.cancel()
	<-e.done
}

// Kick requests an immediate evaluation.
func (e *Evaluator) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Evaluator) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.Schedule.Tick())
	defer ticker.Stop()

	e.evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluate(ctx)
		case <-e.kick:
			e.evaluate(ctx)
		}
	}
}

// desired is what a camera should be doing right now.
type desired struct {
	eventType  types.EventType
	scheduleID types.ScheduleID
}

// evaluate reconciles the active recording set with the schedules. One
// evaluation runs at a time.
func (e *Evaluator) evaluate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	schedules, err := e.db.ListEnabledSchedules(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("failed to list schedules")
		return
	}

	now := e.now()
	continuousWant := make(map[types.CameraID]desired)
	eventWant := make(map[types.CameraID]desired)
	holdOpen := make(map[types.CameraID]bool)
	schedByID := make(map[types.ScheduleID]*store.RecordingSchedule, len(schedules))

	for _, s := range schedules {
		schedByID[s.ID] = s
		if !ActiveAt(s, now) {
			continue
		}
		if s.ContinuousRecording {
			if _, have := continuousWant[s.CameraID]; !have {
				continuousWant[s.CameraID] = desired{eventType: types.EventContinuous, scheduleID: s.ID}
			}
			continue
		}
		// Event triggers are evaluated even when a continuous schedule
		// covers the camera: the trigger then relabels the continuous
		// recording instead of starting a second one.
		trigger, open := e.matchEvent(ctx, s, now)
		if open {
			holdOpen[s.CameraID] = true
		}
		if trigger != "" {
			if _, have := eventWant[s.CameraID]; !have {
				eventWant[s.CameraID] = desired{eventType: trigger, scheduleID: s.ID}
			}
		}
	}

	// Continuous recording wins ownership for the same camera: it covers
	// strictly more of the timeline.
	want := make(map[types.CameraID]desired, len(continuousWant)+len(eventWant))
	for cameraID, d := range eventWant {
		want[cameraID] = d
	}
	for cameraID, d := range continuousWant {
		want[cameraID] = d
	}

	active := e.rec.ListActive()
	activeByCamera := make(map[types.CameraID]*recording.Active, len(active))
	for _, a := range active {
		activeByCamera[a.CameraID] = a
	}

	e.relabel(ctx, activeByCamera, continuousWant, eventWant)

	for cameraID, d := range want {
		if _, running := activeByCamera[cameraID]; running {
			continue
		}
		scheduleID := d.scheduleID
		id, err := e.rec.StartRecording(ctx, cameraID, d.eventType, &scheduleID)
		if err != nil && !errs.IsKind(err, errs.Conflict) {
			e.logger.WithError(err).WithField("camera_id", cameraID).Warn("scheduled start failed")
			continue
		}
		if err == nil {
			e.logger.WithFields(logrus.Fields{
				"camera_id":    cameraID,
				"recording_id": id,
				"schedule_id":  scheduleID,
				"event_type":   d.eventType,
			}).Info("schedule started recording")
		}
	}

	for cameraID, a := range activeByCamera {
		if !a.ScheduleOwned() {
			continue
		}
		if _, still := want[cameraID]; still {
			continue
		}
		// Never cut a recording while events its owning schedule subscribes
		// to are still open.
		if holdOpen[cameraID] || e.hasOpenTriggeringEvents(ctx, cameraID, schedByID[*a.ScheduleID]) {
			continue
		}
		if err := e.rec.StopRecording(ctx, a.RecordingID); err != nil && !errs.IsKind(err, errs.NotFound) {
			e.logger.WithError(err).WithField("recording_id", a.RecordingID).Warn("scheduled stop failed")
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"camera_id":    cameraID,
			"recording_id": a.RecordingID,
		}).Info("schedule stopped recording")
	}
}

// matchEvent reports the event type that should keep this schedule
// recording: an open event with a matching trigger, or one that ended
// inside the post-roll window. The second return says whether any matching
// event is still open.
func (e *Evaluator) matchEvent(ctx context.Context, s *store.RecordingSchedule, now time.Time) (types.EventType, bool) {
	postRoll := e.cfg.Schedule.EventPostRoll()

	open, err := e.db.OpenEvents(ctx, s.CameraID)
	if err != nil {
		e.logger.WithError(err).WithField("camera_id", s.CameraID).Warn("failed to query open events")
		return "", false
	}
	for _, ev := range open {
		if s.EventFlagFor(ev.Type) {
			return ev.Type, true
		}
	}

	recent, err := e.db.EventsSince(ctx, s.CameraID, now.Add(-postRoll-time.Hour))
	if err != nil {
		return "", false
	}
	for _, ev := range recent {
		if ev.EndTime == nil || !s.EventFlagFor(ev.Type) {
			continue
		}
		if now.Sub(*ev.EndTime) <= postRoll {
			return ev.Type, false
		}
	}
	return "", false
}

// relabel keeps the event_type of continuous recordings in step with the
// camera's event triggers: a matching event marks the recording for the
// trigger's duration plus post-roll, after which it reverts to continuous.
func (e *Evaluator) relabel(ctx context.Context, activeByCamera map[types.CameraID]*recording.Active, continuousWant, eventWant map[types.CameraID]desired) {
	for cameraID, a := range activeByCamera {
		if !a.ScheduleOwned() {
			continue
		}
		if _, isContinuous := continuousWant[cameraID]; !isContinuous {
			continue
		}
		label := types.EventContinuous
		if d, ok := eventWant[cameraID]; ok {
			label = d.eventType
		}
		if a.EventType == label {
			continue
		}
		if err := e.rec.SetEventType(ctx, a.RecordingID, label); err != nil && !errs.IsKind(err, errs.NotFound) {
			e.logger.WithError(err).WithField("recording_id", a.RecordingID).Warn("failed to relabel recording")
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"camera_id":    cameraID,
			"recording_id": a.RecordingID,
			"event_type":   label,
		}).Info("recording relabeled")
	}
}

// hasOpenTriggeringEvents reports whether the camera has an open event of a
// type the owning schedule actually reacts to. Unrelated open events must
// not pin a recording past its window.
func (e *Evaluator) hasOpenTriggeringEvents(ctx context.Context, cameraID types.CameraID, owner *store.RecordingSchedule) bool {
	if owner == nil || !owner.HasEventFlag() {
		return false
	}
	open, err := e.db.OpenEvents(ctx, cameraID)
	if err != nil {
		return false
	}
	for _, ev := range open {
		if owner.EventFlagFor(ev.Type) {
			return true
		}
	}
	return false
}
