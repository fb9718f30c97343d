package stream

import (
	"net/http"

	"github.com/switchyardio/switchyard/internal/llmswitch"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("data: ")
	sseLF          = []byte("\n")
	sseNewline     = []byte("\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// Writer writes SSE frames to an http.ResponseWriter, flushing after every
// frame. It is owned by a single response goroutine.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewWriter wraps w for SSE output. Returns nil when the underlying writer
// cannot flush, in which case the caller must fall back to a buffered body.
func NewWriter(w http.ResponseWriter) *Writer {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &Writer{w: w, f: f}
}

// WriteHeaders sets the SSE response headers and commits the 200 status.
func (sw *Writer) WriteHeaders() {
	h := sw.w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	sw.w.WriteHeader(http.StatusOK)
	sw.f.Flush()
}

// WriteFrame writes one SSE frame and flushes.
func (sw *Writer) WriteFrame(fr llmswitch.Frame) {
	if fr.Event != "" {
		sw.w.Write(sseEventPrefix)
		sw.w.Write([]byte(fr.Event))
		sw.w.Write(sseLF)
	}
	sw.w.Write(sseDataPrefix)
	sw.w.Write(fr.Data)
	sw.w.Write(sseNewline)
	sw.f.Flush()
}

// WriteKeepAlive writes an SSE comment to keep the connection alive.
func (sw *Writer) WriteKeepAlive() {
	sw.w.Write(sseKeepAlive)
	sw.f.Flush()
}
