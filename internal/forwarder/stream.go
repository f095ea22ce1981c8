package forwarder

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/kestrelhq/ollamux/internal/httpserver"
)

// dispatchStreaming opens the upstream call with no fixed deadline and
// copies the body to the client chunk by chunk as it arrives, flushing after
// every write. ctx is the inbound request's context: when the client
// disconnects, the server cancels it, which cancels the upstream request in
// turn, so the backend connection is torn down promptly rather than left to
// finish on its own (spec §4.7, §5 cancellation requirement). release is
// called by the caller's defer regardless of outcome; it is accepted here
// only so a client disconnect mid-stream still drains quickly instead of
// blocking on a slow backend.
func (f *Forwarder) dispatchStreaming(ctx context.Context, w http.ResponseWriter, r *http.Request, upstreamURL string, rt route, body []byte, release func()) string {
	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "building upstream request")
		return "error"
	}
	copyForwardHeaders(req.Header, r.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		writeUpstreamError(w, err)
		return "upstream_error"
	}
	defer resp.Body.Close()

	flusher, canFlush := w.(http.Flusher)

	w.Header().Set("Content-Type", rt.streamMediaType)
	for k, vv := range resp.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Type", "Content-Length":
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if canFlush {
		flusher.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Client went away mid-stream: releasing now (rather than
				// waiting for the deferred release in Dispatch) lets the
				// counter drop immediately instead of after a dead write.
				release()
				return "client_disconnected"
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return "client_disconnected"
			}
			f.logger.Warn("forwarder: streaming upstream response", "error", readErr)
			return "upstream_error"
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return "ok"
	}
	return "error"
}
