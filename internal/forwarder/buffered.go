package forwarder

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/kestrelhq/ollamux/internal/httpserver"
)

// dispatchBuffered sends the request upstream, waits for the full response,
// and copies it back verbatim. Used for non-streaming calls and for the
// embed/embeddings endpoints, which never stream. Returns an outcome label
// for metrics.
func (f *Forwarder) dispatchBuffered(ctx context.Context, w http.ResponseWriter, r *http.Request, upstreamURL string, rt route, body []byte) string {
	reqCtx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, r.Method, upstreamURL, bytes.NewReader(body))
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

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Warn("forwarder: copying buffered response", "error", err)
		return "error"
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return "ok"
	}
	return "error"
}
