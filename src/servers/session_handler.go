package servers

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v3"
	"github.com/tidwall/gjson"

	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/sessions"
	"github.com/camnvr/camnvr/src/types"
)

const maxSessionBody = 1 << 20

func createSession(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	sm := inst.SessionManager.(sessions.Manager)
	info, err := sm.CreateSession(r.Context(), types.CameraID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJsonWithStatusCode(writer, http.StatusCreated, info)
}

func acceptOffer(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSessionBody))
	if err != nil {
		writeError(writer, errs.Wrap(errs.ValidationError, err, "failed to read offer"))
		return
	}
	offerSDP := gjson.GetBytes(body, "sdp").String()
	if offerSDP == "" {
		writeError(writer, errs.E(errs.ValidationError, "offer body needs an sdp field"))
		return
	}

	sm := inst.SessionManager.(sessions.Manager)
	answer, err := sm.AcceptOffer(r.Context(), types.SessionID(mux.Vars(r)["id"]), offerSDP)
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, map[string]string{
		"type": "answer",
		"sdp":  answer,
	})
}

func addICECandidate(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSessionBody))
	if err != nil {
		writeError(writer, errs.Wrap(errs.ValidationError, err, "failed to read candidate"))
		return
	}

	cand := webrtc.ICECandidateInit{
		Candidate: gjson.GetBytes(body, "candidate").String(),
	}
	if mid := gjson.GetBytes(body, "sdpMid"); mid.Exists() {
		v := mid.String()
		cand.SDPMid = &v
	}
	if idx := gjson.GetBytes(body, "sdpMLineIndex"); idx.Exists() {
		v := uint16(idx.Uint())
		cand.SDPMLineIndex = &v
	}
	if cand.Candidate == "" {
		writeError(writer, errs.E(errs.ValidationError, "candidate body needs a candidate field"))
		return
	}

	sm := inst.SessionManager.(sessions.Manager)
	if err := sm.AddICECandidate(r.Context(), types.SessionID(mux.Vars(r)["id"]), cand); err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, commonResp{ErrMsg: "ok"})
}

func closeSession(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	sm := inst.SessionManager.(sessions.Manager)
	if err := sm.CloseSession(r.Context(), types.SessionID(mux.Vars(r)["id"])); err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, commonResp{ErrMsg: "ok"})
}

func getSession(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	sm := inst.SessionManager.(sessions.Manager)
	info, err := sm.GetSession(types.SessionID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, info)
}

func listSessions(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	writeJSON(writer, inst.SessionManager.(sessions.Manager).ListSessions())
}
