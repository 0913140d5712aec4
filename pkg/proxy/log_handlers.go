package proxy

import (
	"net/http"
	"strconv"

	"github.com/lkarlslund/duckbridge/pkg/logstore"
)

type logsResponse struct {
	Entries []logstore.Entry `json:"entries"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries := s.logs.List(logstore.ListFilter{
		Level: q.Get("level"),
		Query: q.Get("q"),
		Limit: limit,
	})
	writeJSON(w, http.StatusOK, logsResponse{Entries: entries})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	s.logs.Clear()
	w.WriteHeader(http.StatusNoContent)
}
