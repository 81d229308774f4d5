// Package servers is the HTTP gateway: REST control plane under /api, HLS
// playback under /hls and prometheus metrics under /metrics.
package servers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/hls"
	"github.com/camnvr/camnvr/src/instance"
	applog "github.com/camnvr/camnvr/src/log"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/pkg/sentry"
	"github.com/camnvr/camnvr/src/store"
)

type Server struct {
	server *http.Server
}

// hlsPackager is shared by the playback handlers; set once in NewServer.
var hlsPackager *hls.Packager

func initMux(ctx context.Context) *mux.Router {
	m := mux.NewRouter()
	m.Use(log)

	api := m.PathPrefix("/api").Subrouter()
	api.HandleFunc("/info", getInfo).Methods(http.MethodGet)
	api.HandleFunc("/health", getHealth).Methods(http.MethodGet)

	api.HandleFunc("/cameras", createCamera).Methods(http.MethodPost)
	api.HandleFunc("/cameras", listCameras).Methods(http.MethodGet)
	api.HandleFunc("/cameras/{id}", getCamera).Methods(http.MethodGet)
	api.HandleFunc("/cameras/{id}", updateCamera).Methods(http.MethodPut)
	api.HandleFunc("/cameras/{id}", deleteCamera).Methods(http.MethodDelete)
	api.HandleFunc("/cameras/{id}/streams", createStream).Methods(http.MethodPost)
	api.HandleFunc("/cameras/{id}/streams", listStreams).Methods(http.MethodGet)
	api.HandleFunc("/streams/{id}", deleteStream).Methods(http.MethodDelete)

	api.HandleFunc("/schedules", createSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules", listSchedules).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", getSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", updateSchedule).Methods(http.MethodPut)
	api.HandleFunc("/schedules/{id}", deleteSchedule).Methods(http.MethodDelete)
	api.HandleFunc("/schedules/{id}/{action}", scheduleAction).Methods(http.MethodPost)

	api.HandleFunc("/cameras/{id}/recordings", startRecording).Methods(http.MethodPost)
	api.HandleFunc("/cameras/{id}/recordings/prune", pruneRecordings).Methods(http.MethodPost)
	api.HandleFunc("/recordings", searchRecordings).Methods(http.MethodGet)
	api.HandleFunc("/recordings/active", listActiveRecordings).Methods(http.MethodGet)
	api.HandleFunc("/recordings/{id}", getRecording).Methods(http.MethodGet)
	api.HandleFunc("/recordings/{id}", deleteRecording).Methods(http.MethodDelete)
	api.HandleFunc("/recordings/{id}/stop", stopRecording).Methods(http.MethodPost)

	api.HandleFunc("/cameras/{id}/sessions", createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", closeSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/offer", acceptOffer).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/ice", addICECandidate).Methods(http.MethodPost)

	h := m.PathPrefix("/hls").Subrouter()
	h.HandleFunc("/recordings/{id}/master.m3u8", recordingMaster).Methods(http.MethodGet)
	h.HandleFunc("/recordings/{id}/index.m3u8", recordingPlaylist).Methods(http.MethodGet)
	h.HandleFunc("/cameras/{id}/master.m3u8", cameraMaster).Methods(http.MethodGet)
	h.HandleFunc("/cameras/{id}/index.m3u8", cameraPlaylist).Methods(http.MethodGet)
	h.HandleFunc("/segments/{id}.mp4", serveSegment).Methods(http.MethodGet, http.MethodHead)

	m.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return m
}

func NewServer(ctx context.Context) *Server {
	inst := instance.GetInstance(ctx)
	config := configs.GetCurrentConfig()
	hlsPackager = hls.NewPackager(inst.Store.(store.Store), config)

	httpServer := &http.Server{
		Addr:    config.RPC.Bind,
		Handler: initMux(ctx),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	server := &Server{server: httpServer}
	inst.Server = server
	return server
}

func (s *Server) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	inst.WaitGroup.Add(1)
	sentry.Go(func() {
		switch err := s.server.ListenAndServe(); err {
		case nil, http.ErrServerClosed:
		default:
			applog.GetLogger().WithError(err).Error("http server aborted")
		}
	})
	applog.GetLogger().Infof("http server start at %s", s.server.Addr)
	return nil
}

func (s *Server) Close(ctx context.Context) {
	inst := instance.GetInstance(ctx)
	defer inst.WaitGroup.Done()
	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		applog.GetLogger().WithError(err).Warn("http server shutdown failed")
	}
	applog.GetLogger().Info("http server closed")
}

type commonResp struct {
	ErrNo  int         `json:"err_no"`
	ErrMsg string      `json:"err_msg"`
	Data   interface{} `json:"data,omitempty"`
}

func writeJSON(writer http.ResponseWriter, data interface{}) {
	writeJsonWithStatusCode(writer, http.StatusOK, data)
}

func writeJsonWithStatusCode(writer http.ResponseWriter, code int, data interface{}) {
	b, err := json.Marshal(data)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	writer.Write(b)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(writer http.ResponseWriter, err error) {
	status := statusOf(errs.KindOf(err))
	writeJsonWithStatusCode(writer, status, commonResp{
		ErrNo:  status,
		ErrMsg: err.Error(),
	})
}

func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.ValidationError, errs.NegotiationFailed:
		return http.StatusBadRequest
	case errs.Conflict:
		return http.StatusConflict
	case errs.SourceUnreachable:
		return http.StatusBadGateway
	case errs.StreamUnavailable, errs.StoreUnavailable, errs.Degraded:
		return http.StatusServiceUnavailable
	case errs.DiskExhausted:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
