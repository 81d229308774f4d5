package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/recording"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

func TestValidate(t *testing.T) {
	valid := func() *store.RecordingSchedule {
		return &store.RecordingSchedule{
			ID: "s1", CameraID: "cam1",
			DaysOfWeek: []int{1, 2, 3},
			StartTime:  "08:00", EndTime: "18:00",
			ContinuousRecording: true,
		}
	}

	require.NoError(t, Validate(valid()))

	cases := []struct {
		name   string
		mutate func(s *store.RecordingSchedule)
	}{
		{"no camera", func(s *store.RecordingSchedule) { s.CameraID = "" }},
		{"no days", func(s *store.RecordingSchedule) { s.DaysOfWeek = nil }},
		{"day out of range", func(s *store.RecordingSchedule) { s.DaysOfWeek = []int{7} }},
		{"bad start", func(s *store.RecordingSchedule) { s.StartTime = "8:00" }},
		{"bad end", func(s *store.RecordingSchedule) { s.EndTime = "24:00" }},
		{"empty window", func(s *store.RecordingSchedule) { s.EndTime = s.StartTime }},
		{"no trigger", func(s *store.RecordingSchedule) { s.ContinuousRecording = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := valid()
			tc.mutate(s)
			err := Validate(s)
			assert.True(t, errs.IsKind(err, errs.ValidationError))
		})
	}
}

func TestActiveAt(t *testing.T) {
	// Monday-Friday working hours.
	day := &store.RecordingSchedule{
		DaysOfWeek: []int{1, 2, 3, 4, 5},
		StartTime:  "08:00", EndTime: "18:00",
	}
	// Nightly window straddling midnight, scheduled on Monday.
	night := &store.RecordingSchedule{
		DaysOfWeek: []int{1},
		StartTime:  "22:00", EndTime: "06:00",
	}

	monday := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC) // a Monday
	at := func(base time.Time, hhmm string) time.Time {
		parsed, err := time.Parse("15:04", hhmm)
		require.NoError(t, err)
		return base.Add(time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute)
	}

	assert.True(t, ActiveAt(day, at(monday, "08:00")))
	assert.True(t, ActiveAt(day, at(monday, "17:59")))
	assert.False(t, ActiveAt(day, at(monday, "18:00")), "end is exclusive")
	assert.False(t, ActiveAt(day, at(monday, "07:59")))
	sunday := monday.AddDate(0, 0, -1)
	assert.False(t, ActiveAt(day, at(sunday, "12:00")), "wrong day")

	assert.True(t, ActiveAt(night, at(monday, "22:00")))
	assert.True(t, ActiveAt(night, at(monday, "23:59")))
	tuesday := monday.AddDate(0, 0, 1)
	assert.True(t, ActiveAt(night, at(tuesday, "05:59")), "early morning belongs to Monday's window")
	assert.False(t, ActiveAt(night, at(tuesday, "06:00")))
	assert.False(t, ActiveAt(night, at(tuesday, "22:30")), "Tuesday night is not scheduled")
}

// --- evaluator reconciliation ---

type fakeSchedStore struct {
	schedules []*store.RecordingSchedule
	open      map[types.CameraID][]*store.Event
	recent    map[types.CameraID][]*store.Event
}

func (f *fakeSchedStore) ListEnabledSchedules(context.Context) ([]*store.RecordingSchedule, error) {
	return f.schedules, nil
}

func (f *fakeSchedStore) OpenEvents(_ context.Context, cam types.CameraID) ([]*store.Event, error) {
	return f.open[cam], nil
}

func (f *fakeSchedStore) EventsSince(_ context.Context, cam types.CameraID, _ time.Time) ([]*store.Event, error) {
	return f.recent[cam], nil
}

type startCall struct {
	cameraID   types.CameraID
	eventType  types.EventType
	scheduleID *types.ScheduleID
}

type fakeRecorder struct {
	active   map[types.CameraID]*recording.Active
	starts   []startCall
	stops    []types.RecordingID
	relabels []types.EventType
	nextID   int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{active: make(map[types.CameraID]*recording.Active)}
}

func (f *fakeRecorder) StartRecording(_ context.Context, cam types.CameraID, et types.EventType, sid *types.ScheduleID) (types.RecordingID, error) {
	if a, ok := f.active[cam]; ok {
		return a.RecordingID, errs.E(errs.Conflict, "already recording")
	}
	f.nextID++
	id := types.RecordingID(string(rune('0' + f.nextID)))
	f.active[cam] = &recording.Active{RecordingID: id, CameraID: cam, EventType: et, ScheduleID: sid}
	f.starts = append(f.starts, startCall{cam, et, sid})
	return id, nil
}

func (f *fakeRecorder) StopRecording(_ context.Context, id types.RecordingID) error {
	for cam, a := range f.active {
		if a.RecordingID == id {
			delete(f.active, cam)
			f.stops = append(f.stops, id)
			return nil
		}
	}
	return errs.E(errs.NotFound, "not active")
}

func (f *fakeRecorder) SetEventType(_ context.Context, id types.RecordingID, et types.EventType) error {
	for _, a := range f.active {
		if a.RecordingID == id {
			a.EventType = et
			f.relabels = append(f.relabels, et)
			return nil
		}
	}
	return errs.E(errs.NotFound, "not active")
}

func (f *fakeRecorder) ListActive() []*recording.Active {
	out := make([]*recording.Active, 0, len(f.active))
	for _, a := range f.active {
		out = append(out, a)
	}
	return out
}

func newTestEvaluator(db schedStore, rec recorder, now time.Time) *Evaluator {
	cfg := configs.NewConfig()
	cfg.Schedule.EventPostRollSeconds = 10
	return &Evaluator{
		cfg:    cfg,
		db:     db,
		rec:    rec,
		logger: logrus.NewEntry(logrus.New()),
		now:    func() time.Time { return now },
		done:   make(chan struct{}),
		kick:   make(chan struct{}, 1),
	}
}

func mondayNoon() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func continuousSchedule(id types.ScheduleID, cam types.CameraID) *store.RecordingSchedule {
	return &store.RecordingSchedule{
		ID: id, CameraID: cam, Enabled: true,
		DaysOfWeek: []int{1}, StartTime: "08:00", EndTime: "18:00",
		ContinuousRecording: true,
	}
}

func motionSchedule(id types.ScheduleID, cam types.CameraID) *store.RecordingSchedule {
	return &store.RecordingSchedule{
		ID: id, CameraID: cam, Enabled: true,
		DaysOfWeek: []int{1}, StartTime: "08:00", EndTime: "18:00",
		RecordOnMotion: true,
	}
}

func TestEvaluateStartsContinuousInsideWindow(t *testing.T) {
	db := &fakeSchedStore{schedules: []*store.RecordingSchedule{continuousSchedule("s1", "cam1")}}
	rec := newFakeRecorder()
	e := newTestEvaluator(db, rec, mondayNoon())

	e.evaluate(context.Background())
	require.Len(t, rec.starts, 1)
	assert.Equal(t, types.CameraID("cam1"), rec.starts[0].cameraID)
	assert.Equal(t, types.EventContinuous, rec.starts[0].eventType)
	require.NotNil(t, rec.starts[0].scheduleID)
	assert.Equal(t, types.ScheduleID("s1"), *rec.starts[0].scheduleID)

	// Re-evaluating is a no-op while the recording runs.
	e.evaluate(context.Background())
	assert.Len(t, rec.starts, 1)
	assert.Empty(t, rec.stops)
}

func TestEvaluateStopsWhenWindowCloses(t *testing.T) {
	db := &fakeSchedStore{schedules: []*store.RecordingSchedule{continuousSchedule("s1", "cam1")}}
	rec := newFakeRecorder()
	e := newTestEvaluator(db, rec, mondayNoon())
	e.evaluate(context.Background())
	require.Len(t, rec.starts, 1)

	e.now = func() time.Time { return mondayNoon().Add(7 * time.Hour) } // 19:00
	e.evaluate(context.Background())
	assert.Len(t, rec.stops, 1)
}

func TestEvaluateNeverStopsManualRecordings(t *testing.T) {
	db := &fakeSchedStore{}
	rec := newFakeRecorder()
	rec.active["cam1"] = &recording.Active{RecordingID: "m1", CameraID: "cam1", EventType: types.EventManual}
	e := newTestEvaluator(db, rec, mondayNoon())

	e.evaluate(context.Background())
	assert.Empty(t, rec.stops)
}

func TestEvaluateEventTriggered(t *testing.T) {
	db := &fakeSchedStore{
		schedules: []*store.RecordingSchedule{motionSchedule("s1", "cam1")},
		open: map[types.CameraID][]*store.Event{
			"cam1": {{ID: "ev1", CameraID: "cam1", Type: types.EventMotion}},
		},
	}
	rec := newFakeRecorder()
	e := newTestEvaluator(db, rec, mondayNoon())

	e.evaluate(context.Background())
	require.Len(t, rec.starts, 1)
	assert.Equal(t, types.EventMotion, rec.starts[0].eventType)

	// Event still open: the recording is held.
	e.evaluate(context.Background())
	assert.Empty(t, rec.stops)

	// Event closed 5s ago: inside the 10s post-roll, still held.
	end := mondayNoon().Add(-5 * time.Second)
	db.open = nil
	db.recent = map[types.CameraID][]*store.Event{
		"cam1": {{ID: "ev1", CameraID: "cam1", Type: types.EventMotion, EndTime: &end}},
	}
	e.evaluate(context.Background())
	assert.Empty(t, rec.stops)

	// Post-roll expired: stop.
	old := mondayNoon().Add(-30 * time.Second)
	db.recent["cam1"][0].EndTime = &old
	e.evaluate(context.Background())
	assert.Len(t, rec.stops, 1)
}

func TestEvaluateIgnoresNonMatchingEventTypes(t *testing.T) {
	db := &fakeSchedStore{
		schedules: []*store.RecordingSchedule{motionSchedule("s1", "cam1")},
		open: map[types.CameraID][]*store.Event{
			"cam1": {{ID: "ev1", CameraID: "cam1", Type: types.EventAudio}},
		},
	}
	rec := newFakeRecorder()
	e := newTestEvaluator(db, rec, mondayNoon())

	e.evaluate(context.Background())
	assert.Empty(t, rec.starts)
}

func TestContinuousWinsOverEventTriggered(t *testing.T) {
	db := &fakeSchedStore{
		schedules: []*store.RecordingSchedule{
			motionSchedule("s1", "cam1"),
			continuousSchedule("s2", "cam1"),
		},
		open: map[types.CameraID][]*store.Event{
			"cam1": {{ID: "ev1", CameraID: "cam1", Type: types.EventMotion}},
		},
	}
	rec := newFakeRecorder()
	e := newTestEvaluator(db, rec, mondayNoon())

	e.evaluate(context.Background())
	require.Len(t, rec.starts, 1)
	assert.Equal(t, types.EventContinuous, rec.starts[0].eventType)
	require.NotNil(t, rec.starts[0].scheduleID)
	assert.Equal(t, types.ScheduleID("s2"), *rec.starts[0].scheduleID)

	// The motion schedule never starts a second recording.
	e.evaluate(context.Background())
	assert.Len(t, rec.starts, 1)
}

func TestEventRelabelsContinuousRecording(t *testing.T) {
	db := &fakeSchedStore{
		schedules: []*store.RecordingSchedule{
			motionSchedule("s1", "cam1"),
			continuousSchedule("s2", "cam1"),
		},
	}
	rec := newFakeRecorder()
	e := newTestEvaluator(db, rec, mondayNoon())

	e.evaluate(context.Background())
	require.Len(t, rec.starts, 1)
	require.Equal(t, types.EventContinuous, rec.active["cam1"].EventType)

	// Motion fires inside the continuous window: the running recording is
	// relabeled instead of a second one being started.
	db.open = map[types.CameraID][]*store.Event{
		"cam1": {{ID: "ev1", CameraID: "cam1", Type: types.EventMotion}},
	}
	e.evaluate(context.Background())
	assert.Len(t, rec.starts, 1)
	assert.Equal(t, types.EventMotion, rec.active["cam1"].EventType)
	assert.Equal(t, []types.EventType{types.EventMotion}, rec.relabels)

	// Event closed 5s ago: inside the 10s post-roll, the label sticks.
	end := mondayNoon().Add(-5 * time.Second)
	db.open = nil
	db.recent = map[types.CameraID][]*store.Event{
		"cam1": {{ID: "ev1", CameraID: "cam1", Type: types.EventMotion, EndTime: &end}},
	}
	e.evaluate(context.Background())
	assert.Equal(t, types.EventMotion, rec.active["cam1"].EventType)

	// Post-roll expired: back to continuous, recording still running.
	old := mondayNoon().Add(-30 * time.Second)
	db.recent["cam1"][0].EndTime = &old
	e.evaluate(context.Background())
	assert.Equal(t, types.EventContinuous, rec.active["cam1"].EventType)
	assert.Empty(t, rec.stops)
}

func TestUnrelatedOpenEventDoesNotHoldRecording(t *testing.T) {
	sid := types.ScheduleID("s1")
	db := &fakeSchedStore{
		schedules: []*store.RecordingSchedule{motionSchedule("s1", "cam1")},
		open: map[types.CameraID][]*store.Event{
			"cam1": {{ID: "ev1", CameraID: "cam1", Type: types.EventAudio}},
		},
	}
	rec := newFakeRecorder()
	rec.active["cam1"] = &recording.Active{
		RecordingID: "r1", CameraID: "cam1",
		EventType: types.EventMotion, ScheduleID: &sid,
	}
	e := newTestEvaluator(db, rec, mondayNoon())

	// The schedule only reacts to motion; an open audio event must not pin
	// the recording once its own trigger is gone.
	e.evaluate(context.Background())
	assert.Equal(t, []types.RecordingID{"r1"}, rec.stops)
}

func TestEvaluateOutsideWindowDoesNothing(t *testing.T) {
	db := &fakeSchedStore{schedules: []*store.RecordingSchedule{continuousSchedule("s1", "cam1")}}
	rec := newFakeRecorder()
	e := newTestEvaluator(db, rec, mondayNoon().Add(10*time.Hour)) // 22:00

	e.evaluate(context.Background())
	assert.Empty(t, rec.starts)
}
