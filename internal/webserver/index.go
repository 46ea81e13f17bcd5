package webserver

import (
	"net/http"
	"text/template"

	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
)

var indexTemplate = template.Must(template.New("index").Parse(
	`✅ Screen capture server is running at http://{{.Addr}}
Available endpoints:
/ -> this message
/screenshot.jpg -> latest captured frame (jpeg)
/stream.mjpg -> MJPEG live stream
/stream.ws -> live stream over WebSocket (one JPEG per binary message)
/api/status -> server status (JSON, or protobuf with Accept: application/protobuf)
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	data := struct{ Addr string }{Addr: s.opts.Advertise()}
	if err := indexTemplate.Execute(w, data); err != nil {
		logger.Debug("HTTP", "Index write failed: %v", err)
	}
}
