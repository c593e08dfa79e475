package server

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
)

// responseWriter serializes responses onto stdout. A broken pipe is fatal
// to the response being written, never to the process: the parent agent
// closing its end mid-request is routine. Responses for cancelled request
// ids are dropped before they reach the pipe.
type responseWriter struct {
	mu  sync.Mutex
	out io.Writer

	cancelled map[string]struct{}
}

func newResponseWriter(out io.Writer) *responseWriter {
	return &responseWriter{out: out, cancelled: make(map[string]struct{})}
}

// markCancelled records a request id whose response must be suppressed.
func (w *responseWriter) markCancelled(id json.RawMessage) {
	if len(id) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled[string(id)] = struct{}{}
}

// isCancelled reports whether id has been cancelled by the client.
func (w *responseWriter) isCancelled(id json.RawMessage) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.cancelled[string(id)]
	return ok
}

// write sends one response. Cancelled ids are silently dropped; pipe
// errors are swallowed after logging.
func (w *responseWriter) write(resp *rpcResponse) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, cancelled := w.cancelled[string(resp.ID)]; cancelled {
		L_debug("server: dropping response for cancelled request", "id", string(resp.ID))
		delete(w.cancelled, string(resp.ID))
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		L_error("server: response marshal failed", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.out.Write(data); err != nil {
		if isPipeError(err) {
			L_warn("server: stdout pipe closed, response dropped", "id", string(resp.ID))
			return
		}
		L_error("server: response write failed", "error", err)
	}
}

// isPipeError matches the errors a closed stdout produces.
func isPipeError(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
