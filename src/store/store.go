package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/types"
)

// Store is the transactional interface over the relational metadata store.
// Every method maps to exactly one transaction.
type Store interface {
	// Cameras
	CreateCamera(ctx context.Context, c *Camera) error
	GetCamera(ctx context.Context, id types.CameraID) (*Camera, error)
	ListCameras(ctx context.Context) ([]*Camera, error)
	UpdateCamera(ctx context.Context, c *Camera) error
	DeleteCamera(ctx context.Context, id types.CameraID) error

	// Streams
	CreateStream(ctx context.Context, s *Stream) error
	GetStream(ctx context.Context, id types.StreamID) (*Stream, error)
	PrimaryStream(ctx context.Context, cameraID types.CameraID) (*Stream, error)
	ListStreams(ctx context.Context, cameraID types.CameraID) ([]*Stream, error)
	DeleteStream(ctx context.Context, id types.StreamID) error

	// Recordings
	InsertParentRecording(ctx context.Context, r *Recording) error
	AppendSegment(ctx context.Context, seg *Recording) error
	CloseRecording(ctx context.Context, id types.RecordingID, endTime time.Time) error
	UpdateRecordingEventType(ctx context.Context, id types.RecordingID, t types.EventType) error
	GetRecording(ctx context.Context, id types.RecordingID) (*Recording, error)
	GetRecordingByPath(ctx context.Context, path string) (*Recording, error)
	SearchRecordings(ctx context.Context, f RecordingFilter, limit, offset int) ([]*Recording, error)
	SegmentsOf(ctx context.Context, parentID types.RecordingID) ([]*Recording, error)
	ParentRecordingsByCamera(ctx context.Context, cameraID types.CameraID) ([]*Recording, error)
	ActiveRecordings(ctx context.Context) ([]*Recording, error)
	ParentsOlderThan(ctx context.Context, cutoff time.Time) ([]*Recording, error)
	OldestParents(ctx context.Context, limit int) ([]*Recording, error)
	DeleteRecording(ctx context.Context, id types.RecordingID) error
	TombstoneRecording(ctx context.Context, id types.RecordingID) error
	TombstonedRecordings(ctx context.Context) ([]*Recording, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *RecordingSchedule) error
	UpdateSchedule(ctx context.Context, s *RecordingSchedule) error
	DeleteSchedule(ctx context.Context, id types.ScheduleID) error
	SetScheduleEnabled(ctx context.Context, id types.ScheduleID, enabled bool) error
	GetSchedule(ctx context.Context, id types.ScheduleID) (*RecordingSchedule, error)
	ListSchedules(ctx context.Context, cameraID types.CameraID) ([]*RecordingSchedule, error)
	ListEnabledSchedules(ctx context.Context) ([]*RecordingSchedule, error)

	// Events
	InsertEvent(ctx context.Context, e *Event) error
	CloseEvent(ctx context.Context, id types.EventID, endTime time.Time) error
	GetEvent(ctx context.Context, id types.EventID) (*Event, error)
	OpenEvents(ctx context.Context, cameraID types.CameraID) ([]*Event, error)
	EventsSince(ctx context.Context, cameraID types.CameraID, since time.Time) ([]*Event, error)

	Close() error
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the metadata database and runs
// pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writes; one writer connection avoids
	// SQLITE_BUSY churn under concurrent managers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.StoreUnavailable, pkgerrors.WithStack(err), "%s", op)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- cameras ---

func (s *SQLiteStore) CreateCamera(ctx context.Context, c *Camera) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cameras (id, name, address, username, password, has_ptz, has_audio, has_analytics, retention_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), c.Name, c.Address, c.Username, c.Password,
		boolInt(c.HasPTZ), boolInt(c.HasAudio), boolInt(c.HasAnalytics), c.RetentionDays, millis(c.CreatedAt))
	return storeErr(err, "insert camera")
}

func (s *SQLiteStore) scanCamera(row interface{ Scan(...interface{}) error }) (*Camera, error) {
	var (
		c                     Camera
		id                    string
		ptz, audio, analytics int
		createdAt             int64
		username, password    sql.NullString
	)
	err := row.Scan(&id, &c.Name, &c.Address, &username, &password, &ptz, &audio, &analytics, &c.RetentionDays, &createdAt)
	if err != nil {
		return nil, err
	}
	c.ID = types.CameraID(id)
	c.Username = username.String
	c.Password = password.String
	c.HasPTZ = ptz != 0
	c.HasAudio = audio != 0
	c.HasAnalytics = analytics != 0
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

const cameraCols = `id, name, address, username, password, has_ptz, has_audio, has_analytics, retention_days, created_at`

func (s *SQLiteStore) GetCamera(ctx context.Context, id types.CameraID) (*Camera, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cameraCols+` FROM cameras WHERE id = ?`, string(id))
	c, err := s.scanCamera(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.NotFound, "camera %s not found", id)
	}
	if err != nil {
		return nil, storeErr(err, "get camera")
	}
	return c, nil
}

func (s *SQLiteStore) ListCameras(ctx context.Context) ([]*Camera, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cameraCols+` FROM cameras ORDER BY created_at`)
	if err != nil {
		return nil, storeErr(err, "list cameras")
	}
	defer rows.Close()
	var out []*Camera
	for rows.Next() {
		c, err := s.scanCamera(rows)
		if err != nil {
			return nil, storeErr(err, "scan camera")
		}
		out = append(out, c)
	}
	return out, storeErr(rows.Err(), "list cameras")
}

func (s *SQLiteStore) UpdateCamera(ctx context.Context, c *Camera) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cameras SET name = ?, address = ?, username = ?, password = ?,
			has_ptz = ?, has_audio = ?, has_analytics = ?, retention_days = ?
		WHERE id = ?`,
		c.Name, c.Address, c.Username, c.Password,
		boolInt(c.HasPTZ), boolInt(c.HasAudio), boolInt(c.HasAnalytics), c.RetentionDays, string(c.ID))
	if err != nil {
		return storeErr(err, "update camera")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "camera %s not found", c.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteCamera(ctx context.Context, id types.CameraID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cameras WHERE id = ?`, string(id))
	if err != nil {
		return storeErr(err, "delete camera")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "camera %s not found", id)
	}
	return nil
}

// --- streams ---

const streamCols = `id, camera_id, role, url, codec, resolution, bitrate, created_at`

func (s *SQLiteStore) CreateStream(ctx context.Context, st *Stream) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	if st.Role == "" {
		st.Role = types.StreamPrimary
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (id, camera_id, role, url, codec, resolution, bitrate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(st.ID), string(st.CameraID), string(st.Role), st.URL, st.Codec, st.Resolution, st.Bitrate, millis(st.CreatedAt))
	return storeErr(err, "insert stream")
}

func (s *SQLiteStore) scanStream(row interface{ Scan(...interface{}) error }) (*Stream, error) {
	var (
		st         Stream
		id, cam    string
		role       string
		resolution sql.NullString
		createdAt  int64
	)
	err := row.Scan(&id, &cam, &role, &st.URL, &st.Codec, &resolution, &st.Bitrate, &createdAt)
	if err != nil {
		return nil, err
	}
	st.ID = types.StreamID(id)
	st.CameraID = types.CameraID(cam)
	st.Role = types.StreamRole(role)
	st.Resolution = resolution.String
	st.CreatedAt = fromMillis(createdAt)
	return &st, nil
}

func (s *SQLiteStore) GetStream(ctx context.Context, id types.StreamID) (*Stream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+streamCols+` FROM streams WHERE id = ?`, string(id))
	st, err := s.scanStream(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.NotFound, "stream %s not found", id)
	}
	if err != nil {
		return nil, storeErr(err, "get stream")
	}
	return st, nil
}

func (s *SQLiteStore) PrimaryStream(ctx context.Context, cameraID types.CameraID) (*Stream, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+streamCols+` FROM streams WHERE camera_id = ? AND role = 'primary'`, string(cameraID))
	st, err := s.scanStream(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.NotFound, "camera %s has no primary stream", cameraID)
	}
	if err != nil {
		return nil, storeErr(err, "get primary stream")
	}
	return st, nil
}

func (s *SQLiteStore) ListStreams(ctx context.Context, cameraID types.CameraID) ([]*Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+streamCols+` FROM streams WHERE camera_id = ? ORDER BY role`, string(cameraID))
	if err != nil {
		return nil, storeErr(err, "list streams")
	}
	defer rows.Close()
	var out []*Stream
	for rows.Next() {
		st, err := s.scanStream(rows)
		if err != nil {
			return nil, storeErr(err, "scan stream")
		}
		out = append(out, st)
	}
	return out, storeErr(rows.Err(), "list streams")
}

func (s *SQLiteStore) DeleteStream(ctx context.Context, id types.StreamID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE id = ?`, string(id))
	if err != nil {
		return storeErr(err, "delete stream")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "stream %s not found", id)
	}
	return nil
}

// --- recordings ---

const recordingCols = `id, camera_id, stream_id, parent_recording_id, segment_id, start_time, end_time,
	file_path, file_size, duration_ms, format, resolution, codec, event_type, schedule_id, tombstoned`

func (s *SQLiteStore) scanRecording(row interface{ Scan(...interface{}) error }) (*Recording, error) {
	var (
		r            Recording
		id, cam, str string
		parent       sql.NullString
		segment      sql.NullInt64
		startMs      int64
		endMs        sql.NullInt64
		resolution   sql.NullString
		eventType    string
		scheduleID   sql.NullString
		durationMs   int64
		tombstoned   int
	)
	err := row.Scan(&id, &cam, &str, &parent, &segment, &startMs, &endMs,
		&r.FilePath, &r.FileSize, &durationMs, &r.Format, &resolution, &r.Codec, &eventType, &scheduleID, &tombstoned)
	if err != nil {
		return nil, err
	}
	r.ID = types.RecordingID(id)
	r.CameraID = types.CameraID(cam)
	r.StreamID = types.StreamID(str)
	if parent.Valid {
		p := types.RecordingID(parent.String)
		r.ParentID = &p
	}
	if segment.Valid {
		n := int(segment.Int64)
		r.SegmentID = &n
	}
	r.StartTime = fromMillis(startMs)
	if endMs.Valid {
		t := fromMillis(endMs.Int64)
		r.EndTime = &t
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.Resolution = resolution.String
	r.EventType = types.EventType(eventType)
	if scheduleID.Valid {
		sid := types.ScheduleID(scheduleID.String)
		r.ScheduleID = &sid
	}
	r.Tombstoned = tombstoned != 0
	return &r, nil
}

func recordingArgs(r *Recording) []interface{} {
	var parent, schedule interface{}
	if r.ParentID != nil {
		parent = string(*r.ParentID)
	}
	if r.ScheduleID != nil {
		schedule = string(*r.ScheduleID)
	}
	var segment interface{}
	if r.SegmentID != nil {
		segment = *r.SegmentID
	}
	return []interface{}{
		string(r.ID), string(r.CameraID), string(r.StreamID), parent, segment,
		millis(r.StartTime), nullMillis(r.EndTime), r.FilePath, r.FileSize,
		r.Duration.Milliseconds(), r.Format, r.Resolution, r.Codec, string(r.EventType), schedule,
	}
}

func (s *SQLiteStore) InsertParentRecording(ctx context.Context, r *Recording) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (id, camera_id, stream_id, parent_recording_id, segment_id, start_time, end_time,
			file_path, file_size, duration_ms, format, resolution, codec, event_type, schedule_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, recordingArgs(r)...)
	return storeErr(err, "insert parent recording")
}

// AppendSegment inserts a completed sub-segment row and updates the parent's
// cumulative file_size and duration in one transaction.
func (s *SQLiteStore) AppendSegment(ctx context.Context, seg *Recording) error {
	if seg.ParentID == nil || seg.SegmentID == nil {
		return errs.E(errs.ValidationError, "segment row requires parent_recording_id and segment_id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin append segment")
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO recordings (id, camera_id, stream_id, parent_recording_id, segment_id, start_time, end_time,
			file_path, file_size, duration_ms, format, resolution, codec, event_type, schedule_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, recordingArgs(seg)...); err != nil {
		return storeErr(err, "insert segment")
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE recordings SET file_size = file_size + ?, duration_ms = duration_ms + ?
		WHERE id = ?`,
		seg.FileSize, seg.Duration.Milliseconds(), string(*seg.ParentID)); err != nil {
		return storeErr(err, "update parent totals")
	}
	return storeErr(tx.Commit(), "commit append segment")
}

func (s *SQLiteStore) CloseRecording(ctx context.Context, id types.RecordingID, endTime time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET end_time = ? WHERE id = ? AND end_time IS NULL`,
		millis(endTime), string(id))
	if err != nil {
		return storeErr(err, "close recording")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "active recording %s not found", id)
	}
	return nil
}

// UpdateRecordingEventType relabels an active recording, e.g. when a motion
// burst lands inside a continuous window.
func (s *SQLiteStore) UpdateRecordingEventType(ctx context.Context, id types.RecordingID, t types.EventType) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET event_type = ? WHERE id = ?`, string(t), string(id))
	if err != nil {
		return storeErr(err, "update recording event type")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "recording %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) GetRecording(ctx context.Context, id types.RecordingID) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingCols+` FROM recordings WHERE id = ?`, string(id))
	r, err := s.scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.NotFound, "recording %s not found", id)
	}
	if err != nil {
		return nil, storeErr(err, "get recording")
	}
	return r, nil
}

func (s *SQLiteStore) GetRecordingByPath(ctx context.Context, path string) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingCols+` FROM recordings WHERE file_path = ?`, path)
	r, err := s.scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.NotFound, "no recording for path %s", path)
	}
	if err != nil {
		return nil, storeErr(err, "get recording by path")
	}
	return r, nil
}

func (s *SQLiteStore) queryRecordings(ctx context.Context, query string, args ...interface{}) ([]*Recording, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "query recordings")
	}
	defer rows.Close()
	var out []*Recording
	for rows.Next() {
		r, err := s.scanRecording(rows)
		if err != nil {
			return nil, storeErr(err, "scan recording")
		}
		out = append(out, r)
	}
	return out, storeErr(rows.Err(), "query recordings")
}

func (s *SQLiteStore) SearchRecordings(ctx context.Context, f RecordingFilter, limit, offset int) ([]*Recording, error) {
	query := `SELECT ` + recordingCols + ` FROM recordings WHERE tombstoned = 0`
	var args []interface{}
	if f.ParentsOnly {
		query += ` AND parent_recording_id IS NULL`
	}
	if f.CameraID != "" {
		query += ` AND camera_id = ?`
		args = append(args, string(f.CameraID))
	}
	if f.StreamID != "" {
		query += ` AND stream_id = ?`
		args = append(args, string(f.StreamID))
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.EventType))
	}
	if f.Start != nil {
		query += ` AND start_time >= ?`
		args = append(args, f.Start.UnixMilli())
	}
	if f.End != nil {
		query += ` AND start_time < ?`
		args = append(args, f.End.UnixMilli())
	}
	query += ` ORDER BY start_time DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	return s.queryRecordings(ctx, query, args...)
}

func (s *SQLiteStore) SegmentsOf(ctx context.Context, parentID types.RecordingID) ([]*Recording, error) {
	return s.queryRecordings(ctx,
		`SELECT `+recordingCols+` FROM recordings WHERE parent_recording_id = ? AND tombstoned = 0 ORDER BY segment_id`,
		string(parentID))
}

func (s *SQLiteStore) ParentRecordingsByCamera(ctx context.Context, cameraID types.CameraID) ([]*Recording, error) {
	return s.queryRecordings(ctx,
		`SELECT `+recordingCols+` FROM recordings
		 WHERE camera_id = ? AND parent_recording_id IS NULL AND tombstoned = 0
		 ORDER BY start_time`,
		string(cameraID))
}

func (s *SQLiteStore) ActiveRecordings(ctx context.Context) ([]*Recording, error) {
	return s.queryRecordings(ctx,
		`SELECT `+recordingCols+` FROM recordings
		 WHERE parent_recording_id IS NULL AND end_time IS NULL AND tombstoned = 0
		 ORDER BY start_time`)
}

func (s *SQLiteStore) ParentsOlderThan(ctx context.Context, cutoff time.Time) ([]*Recording, error) {
	return s.queryRecordings(ctx,
		`SELECT `+recordingCols+` FROM recordings
		 WHERE parent_recording_id IS NULL AND tombstoned = 0 AND end_time IS NOT NULL AND start_time < ?
		 ORDER BY start_time`,
		cutoff.UnixMilli())
}

func (s *SQLiteStore) OldestParents(ctx context.Context, limit int) ([]*Recording, error) {
	return s.queryRecordings(ctx,
		`SELECT `+recordingCols+` FROM recordings
		 WHERE parent_recording_id IS NULL AND tombstoned = 0 AND end_time IS NOT NULL
		 ORDER BY start_time LIMIT ?`,
		limit)
}

// DeleteRecording removes the row; sub-segment rows cascade.
func (s *SQLiteStore) DeleteRecording(ctx context.Context, id types.RecordingID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, string(id))
	if err != nil {
		return storeErr(err, "delete recording")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "recording %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) TombstoneRecording(ctx context.Context, id types.RecordingID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET tombstoned = 1 WHERE id = ? OR parent_recording_id = ?`,
		string(id), string(id))
	return storeErr(err, "tombstone recording")
}

func (s *SQLiteStore) TombstonedRecordings(ctx context.Context) ([]*Recording, error) {
	return s.queryRecordings(ctx,
		`SELECT `+recordingCols+` FROM recordings
		 WHERE tombstoned = 1 AND parent_recording_id IS NULL`)
}

// --- schedules ---

const scheduleCols = `id, camera_id, stream_id, days_of_week, start_time, end_time, enabled, retention_days,
	record_on_motion, record_on_audio, record_on_analytics, record_on_external, continuous_recording, created_at`

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc *RecordingSchedule) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	days, err := json.Marshal(sc.DaysOfWeek)
	if err != nil {
		return storeErr(err, "marshal days_of_week")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recording_schedules (id, camera_id, stream_id, days_of_week, start_time, end_time, enabled,
			retention_days, record_on_motion, record_on_audio, record_on_analytics, record_on_external,
			continuous_recording, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sc.ID), string(sc.CameraID), string(sc.StreamID), string(days), sc.StartTime, sc.EndTime,
		boolInt(sc.Enabled), sc.RetentionDays, boolInt(sc.RecordOnMotion), boolInt(sc.RecordOnAudio),
		boolInt(sc.RecordOnAnalytics), boolInt(sc.RecordOnExternal), boolInt(sc.ContinuousRecording),
		millis(sc.CreatedAt))
	return storeErr(err, "insert schedule")
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sc *RecordingSchedule) error {
	days, err := json.Marshal(sc.DaysOfWeek)
	if err != nil {
		return storeErr(err, "marshal days_of_week")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE recording_schedules SET camera_id = ?, stream_id = ?, days_of_week = ?, start_time = ?, end_time = ?,
			enabled = ?, retention_days = ?, record_on_motion = ?, record_on_audio = ?, record_on_analytics = ?,
			record_on_external = ?, continuous_recording = ?
		WHERE id = ?`,
		string(sc.CameraID), string(sc.StreamID), string(days), sc.StartTime, sc.EndTime,
		boolInt(sc.Enabled), sc.RetentionDays, boolInt(sc.RecordOnMotion), boolInt(sc.RecordOnAudio),
		boolInt(sc.RecordOnAnalytics), boolInt(sc.RecordOnExternal), boolInt(sc.ContinuousRecording),
		string(sc.ID))
	if err != nil {
		return storeErr(err, "update schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "schedule %s not found", sc.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id types.ScheduleID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recording_schedules WHERE id = ?`, string(id))
	if err != nil {
		return storeErr(err, "delete schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "schedule %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) SetScheduleEnabled(ctx context.Context, id types.ScheduleID, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recording_schedules SET enabled = ? WHERE id = ?`, boolInt(enabled), string(id))
	if err != nil {
		return storeErr(err, "toggle schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "schedule %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) scanSchedule(row interface{ Scan(...interface{}) error }) (*RecordingSchedule, error) {
	var (
		sc                                RecordingSchedule
		id, cam, str, days                string
		enabled, motion, audio, analytics int
		external, continuous              int
		createdAt                         int64
	)
	err := row.Scan(&id, &cam, &str, &days, &sc.StartTime, &sc.EndTime, &enabled, &sc.RetentionDays,
		&motion, &audio, &analytics, &external, &continuous, &createdAt)
	if err != nil {
		return nil, err
	}
	sc.ID = types.ScheduleID(id)
	sc.CameraID = types.CameraID(cam)
	sc.StreamID = types.StreamID(str)
	if err := json.Unmarshal([]byte(days), &sc.DaysOfWeek); err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	sc.RecordOnMotion = motion != 0
	sc.RecordOnAudio = audio != 0
	sc.RecordOnAnalytics = analytics != 0
	sc.RecordOnExternal = external != 0
	sc.ContinuousRecording = continuous != 0
	sc.CreatedAt = fromMillis(createdAt)
	return &sc, nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id types.ScheduleID) (*RecordingSchedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM recording_schedules WHERE id = ?`, string(id))
	sc, err := s.scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.NotFound, "schedule %s not found", id)
	}
	if err != nil {
		return nil, storeErr(err, "get schedule")
	}
	return sc, nil
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...interface{}) ([]*RecordingSchedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "query schedules")
	}
	defer rows.Close()
	var out []*RecordingSchedule
	for rows.Next() {
		sc, err := s.scanSchedule(rows)
		if err != nil {
			return nil, storeErr(err, "scan schedule")
		}
		out = append(out, sc)
	}
	return out, storeErr(rows.Err(), "query schedules")
}

func (s *SQLiteStore) ListSchedules(ctx context.Context, cameraID types.CameraID) ([]*RecordingSchedule, error) {
	if cameraID == "" {
		return s.querySchedules(ctx, `SELECT `+scheduleCols+` FROM recording_schedules ORDER BY created_at`)
	}
	return s.querySchedules(ctx,
		`SELECT `+scheduleCols+` FROM recording_schedules WHERE camera_id = ? ORDER BY created_at`, string(cameraID))
}

func (s *SQLiteStore) ListEnabledSchedules(ctx context.Context) ([]*RecordingSchedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleCols+` FROM recording_schedules WHERE enabled = 1 ORDER BY created_at`)
}

// --- events ---

const eventCols = `id, camera_id, event_type, severity, start_time, end_time, confidence, metadata`

func (s *SQLiteStore) InsertEvent(ctx context.Context, e *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, camera_id, event_type, severity, start_time, end_time, confidence, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.CameraID), string(e.Type), e.Severity,
		millis(e.StartTime), nullMillis(e.EndTime), e.Confidence, e.Metadata)
	return storeErr(err, "insert event")
}

func (s *SQLiteStore) CloseEvent(ctx context.Context, id types.EventID, endTime time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET end_time = ? WHERE id = ? AND end_time IS NULL`, millis(endTime), string(id))
	if err != nil {
		return storeErr(err, "close event")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, "open event %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) scanEvent(row interface{ Scan(...interface{}) error }) (*Event, error) {
	var (
		e        Event
		id, cam  string
		typ      string
		startMs  int64
		endMs    sql.NullInt64
		metadata sql.NullString
	)
	err := row.Scan(&id, &cam, &typ, &e.Severity, &startMs, &endMs, &e.Confidence, &metadata)
	if err != nil {
		return nil, err
	}
	e.ID = types.EventID(id)
	e.CameraID = types.CameraID(cam)
	e.Type = types.EventType(typ)
	e.StartTime = fromMillis(startMs)
	if endMs.Valid {
		t := fromMillis(endMs.Int64)
		e.EndTime = &t
	}
	e.Metadata = metadata.String
	return &e, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id types.EventID) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, string(id))
	e, err := s.scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.NotFound, "event %s not found", id)
	}
	if err != nil {
		return nil, storeErr(err, "get event")
	}
	return e, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "query events")
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, storeErr(err, "scan event")
		}
		out = append(out, e)
	}
	return out, storeErr(rows.Err(), "query events")
}

func (s *SQLiteStore) OpenEvents(ctx context.Context, cameraID types.CameraID) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM events WHERE camera_id = ? AND end_time IS NULL ORDER BY start_time`,
		string(cameraID))
}

func (s *SQLiteStore) EventsSince(ctx context.Context, cameraID types.CameraID, since time.Time) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM events WHERE camera_id = ? AND start_time >= ? ORDER BY start_time`,
		string(cameraID), since.UnixMilli())
}
