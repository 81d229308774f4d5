package servers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	uuid "github.com/satori/go.uuid"

	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/schedule"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

// kickEvaluator nudges the schedule loop so API changes take effect before
// the next tick.
func kickEvaluator(r *http.Request) {
	inst := instance.GetInstance(r.Context())
	if ev, ok := inst.ScheduleManager.(*schedule.Evaluator); ok {
		ev.Kick()
	}
}

func createSchedule(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	db := inst.Store.(store.Store)

	s := &store.RecordingSchedule{Enabled: true}
	if err := json.NewDecoder(r.Body).Decode(s); err != nil {
		writeError(writer, errs.Wrap(errs.ValidationError, err, "invalid schedule body"))
		return
	}
	if err := schedule.Validate(s); err != nil {
		writeError(writer, err)
		return
	}
	if _, err := db.GetCamera(r.Context(), s.CameraID); err != nil {
		writeError(writer, err)
		return
	}
	s.ID = types.ScheduleID(uuid.NewV4().String())
	s.CreatedAt = time.Now().UTC()
	if err := db.CreateSchedule(r.Context(), s); err != nil {
		writeError(writer, err)
		return
	}
	kickEvaluator(r)
	writeJsonWithStatusCode(writer, http.StatusCreated, s)
}

func listSchedules(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	cameraID := types.CameraID(r.URL.Query().Get("camera_id"))
	schedules, err := inst.Store.(store.Store).ListSchedules(r.Context(), cameraID)
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, schedules)
}

func getSchedule(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	s, err := inst.Store.(store.Store).GetSchedule(r.Context(), types.ScheduleID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, s)
}

func updateSchedule(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	db := inst.Store.(store.Store)
	s, err := db.GetSchedule(r.Context(), types.ScheduleID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(writer, err)
		return
	}
	id, createdAt := s.ID, s.CreatedAt
	if err := json.NewDecoder(r.Body).Decode(s); err != nil {
		writeError(writer, errs.Wrap(errs.ValidationError, err, "invalid schedule body"))
		return
	}
	s.ID, s.CreatedAt = id, createdAt
	if err := schedule.Validate(s); err != nil {
		writeError(writer, err)
		return
	}
	if err := db.UpdateSchedule(r.Context(), s); err != nil {
		writeError(writer, err)
		return
	}
	kickEvaluator(r)
	writeJSON(writer, s)
}

func deleteSchedule(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	if err := inst.Store.(store.Store).DeleteSchedule(r.Context(), types.ScheduleID(mux.Vars(r)["id"])); err != nil {
		writeError(writer, err)
		return
	}
	kickEvaluator(r)
	writeJSON(writer, commonResp{ErrMsg: "ok"})
}

func scheduleAction(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	vars := mux.Vars(r)

	var enabled bool
	switch vars["action"] {
	case "enable":
		enabled = true
	case "disable":
		enabled = false
	default:
		writeError(writer, errs.E(errs.ValidationError, "invalid action %q", vars["action"]))
		return
	}
	if err := inst.Store.(store.Store).SetScheduleEnabled(r.Context(), types.ScheduleID(vars["id"]), enabled); err != nil {
		writeError(writer, err)
		return
	}
	kickEvaluator(r)
	writeJSON(writer, commonResp{ErrMsg: fmt.Sprintf("schedule %sd", vars["action"])})
}
