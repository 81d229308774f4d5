package servers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	uuid "github.com/satori/go.uuid"

	"github.com/camnvr/camnvr/src/consts"
	"github.com/camnvr/camnvr/src/engine"
	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/recording"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

func getInfo(writer http.ResponseWriter, r *http.Request) {
	writeJSON(writer, map[string]string{
		"app_name":    consts.AppName,
		"app_version": consts.AppVersion,
	})
}

func getHealth(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	healths := inst.Engine.(engine.Engine).Healths()
	if cameraID := r.URL.Query().Get("camera_id"); cameraID != "" {
		filtered := healths[:0]
		for _, h := range healths {
			if h.CameraID == types.CameraID(cameraID) {
				filtered = append(filtered, h)
			}
		}
		healths = filtered
	}
	writeJSON(writer, healths)
}

type cameraReq struct {
	Name          string `json:"name"`
	Address       string `json:"address"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	HasPTZ        bool   `json:"has_ptz"`
	HasAudio      bool   `json:"has_audio"`
	HasAnalytics  bool   `json:"has_analytics"`
	RetentionDays int    `json:"retention_days"`
}

func (req *cameraReq) validate() error {
	if req.Name == "" {
		return errs.E(errs.ValidationError, "camera name is required")
	}
	if req.Address == "" {
		return errs.E(errs.ValidationError, "camera address is required")
	}
	if req.RetentionDays < 0 {
		return errs.E(errs.ValidationError, "retention_days cannot be negative")
	}
	return nil
}

func createCamera(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	req := cameraReq{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(writer, errs.Wrap(errs.ValidationError, err, "invalid camera body"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(writer, err)
		return
	}
	cam := &store.Camera{
		ID:            types.CameraID(uuid.NewV4().String()),
		Name:          req.Name,
		Address:       req.Address,
		Username:      req.Username,
		Password:      req.Password,
		HasPTZ:        req.HasPTZ,
		HasAudio:      req.HasAudio,
		HasAnalytics:  req.HasAnalytics,
		RetentionDays: req.RetentionDays,
		CreatedAt:     time.Now().UTC(),
	}
	if err := inst.Store.(store.Store).CreateCamera(r.Context(), cam); err != nil {
		writeError(writer, err)
		return
	}
	writeJsonWithStatusCode(writer, http.StatusCreated, cam)
}

func listCameras(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	cameras, err := inst.Store.(store.Store).ListCameras(r.Context())
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, cameras)
}

func getCamera(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	cam, err := inst.Store.(store.Store).GetCamera(r.Context(), types.CameraID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, cam)
}

func updateCamera(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	db := inst.Store.(store.Store)
	cam, err := db.GetCamera(r.Context(), types.CameraID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(writer, err)
		return
	}
	req := cameraReq{
		Name:          cam.Name,
		Address:       cam.Address,
		Username:      cam.Username,
		Password:      cam.Password,
		HasPTZ:        cam.HasPTZ,
		HasAudio:      cam.HasAudio,
		HasAnalytics:  cam.HasAnalytics,
		RetentionDays: cam.RetentionDays,
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(writer, errs.Wrap(errs.ValidationError, err, "invalid camera body"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(writer, err)
		return
	}
	cam.Name = req.Name
	cam.Address = req.Address
	cam.Username = req.Username
	cam.Password = req.Password
	cam.HasPTZ = req.HasPTZ
	cam.HasAudio = req.HasAudio
	cam.HasAnalytics = req.HasAnalytics
	cam.RetentionDays = req.RetentionDays
	if err := db.UpdateCamera(r.Context(), cam); err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, cam)
}

func deleteCamera(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	cameraID := types.CameraID(mux.Vars(r)["id"])
	if _, active := inst.RecordingManager.(recording.Manager).ActiveFor(cameraID); active {
		writeError(writer, errs.E(errs.Conflict, "camera %s has an active recording", cameraID))
		return
	}
	if err := inst.Store.(store.Store).DeleteCamera(r.Context(), cameraID); err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, commonResp{ErrMsg: "ok"})
}

type streamReq struct {
	Role       string `json:"role"`
	URL        string `json:"url"`
	Codec      string `json:"codec"`
	Resolution string `json:"resolution"`
	Bitrate    int    `json:"bitrate"`
}

func createStream(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	db := inst.Store.(store.Store)
	cameraID := types.CameraID(mux.Vars(r)["id"])
	if _, err := db.GetCamera(r.Context(), cameraID); err != nil {
		writeError(writer, err)
		return
	}

	req := streamReq{Role: string(types.StreamPrimary)}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(writer, errs.Wrap(errs.ValidationError, err, "invalid stream body"))
		return
	}
	role := types.StreamRole(req.Role)
	if role != types.StreamPrimary && role != types.StreamSub {
		writeError(writer, errs.E(errs.ValidationError, "invalid stream role %q", req.Role))
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "rtsp" && u.Scheme != "rtsps") || u.Host == "" {
		writeError(writer, errs.E(errs.ValidationError, "stream url must be rtsp://"))
		return
	}
	if role == types.StreamPrimary {
		if _, err := db.PrimaryStream(r.Context(), cameraID); err == nil {
			writeError(writer, errs.E(errs.Conflict, "camera %s already has a primary stream", cameraID))
			return
		}
	}

	st := &store.Stream{
		ID:         types.StreamID(uuid.NewV4().String()),
		CameraID:   cameraID,
		Role:       role,
		URL:        req.URL,
		Codec:      req.Codec,
		Resolution: req.Resolution,
		Bitrate:    req.Bitrate,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.CreateStream(r.Context(), st); err != nil {
		writeError(writer, err)
		return
	}
	writeJsonWithStatusCode(writer, http.StatusCreated, st)
}

func listStreams(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	streams, err := inst.Store.(store.Store).ListStreams(r.Context(), types.CameraID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, streams)
}

func deleteStream(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	if err := inst.Store.(store.Store).DeleteStream(r.Context(), types.StreamID(mux.Vars(r)["id"])); err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, commonResp{ErrMsg: "ok"})
}
