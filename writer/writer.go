package writer

import (
	"net/http"
)

// ResponseWriter wraps an http.ResponseWriter and records the status code
// and byte count of the response for metrics.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int64
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w}
}

// WriteHeader records the status code and forwards it.
func (rw *ResponseWriter) WriteHeader(statusCode int) {
	rw.StatusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write forwards the data, defaulting the status code to 200 on the first
// write, and tracks the number of bytes sent to the client.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if rw.StatusCode == 0 {
		rw.StatusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

// Flush forwards to the underlying writer when it supports flushing, which
// keeps streamed upstream bodies moving to the client.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
