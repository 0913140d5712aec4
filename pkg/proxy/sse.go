package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/duckbridge/pkg/chatapi"
)

const sseDone = "data: [DONE]\n\n"

// writeSSE forwards chunks as they are produced. A failure after the headers
// went out is reported as an error frame followed by the [DONE] sentinel.
func writeSSE(w http.ResponseWriter, r *http.Request, chunks iter.Seq2[chatapi.ChatCompletionChunk, error]) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	for chunk, err := range chunks {
		if err != nil {
			if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
				log.Debug("stream aborted by client", "path", r.URL.Path)
				return
			}
			ae := classify(err)
			log.Error("stream failed", "path", r.URL.Path, "err", err)
			if frame, mErr := json.Marshal(chatapi.ErrorResponse{Error: ae.body}); mErr == nil {
				_, _ = fmt.Fprintf(w, "data: %s\n\n", frame)
			}
			break
		}
		frame, mErr := json.Marshal(chunk)
		if mErr != nil {
			log.Error("encode chunk", "err", mErr)
			continue
		}
		if _, wErr := fmt.Fprintf(w, "data: %s\n\n", frame); wErr != nil {
			log.Debug("stream write failed", "err", wErr)
			return
		}
		flush()
	}
	_, _ = w.Write([]byte(sseDone))
	flush()
}
