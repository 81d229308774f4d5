package servers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/recording"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

const defaultSearchLimit = 100

func startRecording(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	cameraID := types.CameraID(mux.Vars(r)["id"])
	rm := inst.RecordingManager.(recording.Manager)

	recordingID, err := rm.StartRecording(r.Context(), cameraID, types.EventManual, nil)
	if err != nil {
		if errs.IsKind(err, errs.Conflict) {
			// Already recording: the id of the running recording is the
			// useful answer.
			writeJsonWithStatusCode(writer, http.StatusConflict, map[string]interface{}{
				"recording_id": recordingID,
				"err_msg":      err.Error(),
			})
			return
		}
		writeError(writer, err)
		return
	}
	writeJsonWithStatusCode(writer, http.StatusCreated, map[string]interface{}{
		"recording_id": recordingID,
	})
}

func stopRecording(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	rm := inst.RecordingManager.(recording.Manager)
	if err := rm.StopRecording(r.Context(), types.RecordingID(mux.Vars(r)["id"])); err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, commonResp{ErrMsg: "ok"})
}

func listActiveRecordings(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	writeJSON(writer, inst.RecordingManager.(recording.Manager).ListActive())
}

func searchRecordings(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	q := r.URL.Query()

	filter := store.RecordingFilter{
		CameraID:    types.CameraID(q.Get("camera_id")),
		StreamID:    types.StreamID(q.Get("stream_id")),
		EventType:   types.EventType(q.Get("event_type")),
		ParentsOnly: q.Get("parents_only") != "false",
	}
	if filter.EventType != "" && !filter.EventType.Valid() {
		writeError(writer, errs.E(errs.ValidationError, "unknown event_type %q", filter.EventType))
		return
	}
	for name, dst := range map[string]**time.Time{"from": &filter.Start, "to": &filter.End} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(writer, errs.E(errs.ValidationError, "%s must be RFC3339, got %q", name, raw))
			return
		}
		*dst = &t
	}

	limit := defaultSearchLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(writer, errs.E(errs.ValidationError, "invalid limit %q", raw))
			return
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(writer, errs.E(errs.ValidationError, "invalid offset %q", raw))
			return
		}
		offset = n
	}

	recordings, err := inst.Store.(store.Store).SearchRecordings(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(writer, err)
		return
	}
	if recordings == nil {
		recordings = []*store.Recording{}
	}
	writeJSON(writer, recordings)
}

func getRecording(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	db := inst.Store.(store.Store)
	id := types.RecordingID(mux.Vars(r)["id"])

	rec, err := db.GetRecording(r.Context(), id)
	if err != nil {
		writeError(writer, err)
		return
	}
	resp := map[string]interface{}{"recording": rec}
	if rec.IsParent() {
		segs, err := db.SegmentsOf(r.Context(), id)
		if err != nil {
			writeError(writer, err)
			return
		}
		resp["segments"] = segs
	}
	writeJSON(writer, resp)
}

func pruneRecordings(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	cameraID := types.CameraID(mux.Vars(r)["id"])
	if _, err := inst.Store.(store.Store).GetCamera(r.Context(), cameraID); err != nil {
		writeError(writer, err)
		return
	}

	days := 0
	if raw := r.URL.Query().Get("older_than_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(writer, errs.E(errs.ValidationError, "invalid older_than_days %q", raw))
			return
		}
		days = n
	}

	deleted, err := inst.CleanupManager.(*recording.Cleanup).PruneCamera(r.Context(), cameraID, days)
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, map[string]interface{}{"deleted": deleted})
}

func deleteRecording(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	db := inst.Store.(store.Store)
	rec, err := db.GetRecording(r.Context(), types.RecordingID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(writer, err)
		return
	}
	if err := inst.CleanupManager.(*recording.Cleanup).DeleteNow(r.Context(), rec); err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, commonResp{ErrMsg: "ok"})
}
