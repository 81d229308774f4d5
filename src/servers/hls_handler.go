package servers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/camnvr/camnvr/src/types"
)

func writePlaylist(writer http.ResponseWriter, playlist string, err error) {
	if err != nil {
		writeError(writer, err)
		return
	}
	writer.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.Write([]byte(playlist))
}

func recordingMaster(writer http.ResponseWriter, r *http.Request) {
	playlist, err := hlsPackager.RecordingMaster(r.Context(), types.RecordingID(mux.Vars(r)["id"]))
	writePlaylist(writer, playlist, err)
}

func recordingPlaylist(writer http.ResponseWriter, r *http.Request) {
	playlist, err := hlsPackager.RecordingPlaylist(r.Context(), types.RecordingID(mux.Vars(r)["id"]))
	writePlaylist(writer, playlist, err)
}

func cameraMaster(writer http.ResponseWriter, r *http.Request) {
	playlist, err := hlsPackager.CameraMaster(r.Context(), types.CameraID(mux.Vars(r)["id"]))
	writePlaylist(writer, playlist, err)
}

func cameraPlaylist(writer http.ResponseWriter, r *http.Request) {
	playlist, err := hlsPackager.CameraPlaylist(r.Context(), types.CameraID(mux.Vars(r)["id"]))
	writePlaylist(writer, playlist, err)
}

// serveSegment hands the file to ServeFile so players get byte ranges for
// scrubbing.
func serveSegment(writer http.ResponseWriter, r *http.Request) {
	path, err := hlsPackager.SegmentFile(r.Context(), types.RecordingID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(writer, err)
		return
	}
	writer.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(writer, r, path)
}
