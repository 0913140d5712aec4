package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/lkarlslund/duckbridge/pkg/assets"
	"github.com/lkarlslund/duckbridge/pkg/chatapi"
	"github.com/lkarlslund/duckbridge/pkg/version"
	openai "github.com/sashabaranov/go-openai"
)

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Bridge().Models())
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, chatapi.ToolList{Object: "list", Data: s.Bridge().Functions()})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), errTypeInvalidRequest)
		return
	}
	b := s.Bridge()
	req, err := b.ParseRequest(body)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	log.Debug("chat completion", "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools), "stream", req.Stream)

	if !req.Stream {
		resp, err := b.Complete(r.Context(), req)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	chunks, err := b.Stream(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSSE(w, r, chunks)
}

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), errTypeInvalidRequest)
		return
	}
	var req chatapi.ToolExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Request body must be valid JSON", errTypeInvalidRequest)
		return
	}
	if strings.TrimSpace(req.ToolCall.Function.Name) == "" {
		writeError(w, http.StatusBadRequest, "tool_call.function.name is required", errTypeInvalidRequest)
		return
	}
	content := s.Bridge().ExecuteToolCall(r.Context(), req.ToolCall)
	writeJSON(w, http.StatusOK, chatapi.ToolExecuteResponse{
		ToolCallID: req.ToolCall.ID,
		Role:       openai.ChatMessageRoleTool,
		Content:    content,
	})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	st, err := s.Bridge().RateLimitStatus(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	models := s.Bridge().Models()
	ids := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	var tools []string
	for _, t := range s.Bridge().Functions() {
		if t.Function != nil {
			tools = append(tools, t.Function.Name)
		}
	}
	page, err := assets.RenderDashboard(s.templates, assets.DashboardData{
		Version:      version.String(),
		Models:       ids,
		Tools:        tools,
		DefaultModel: cfg.Upstream.DefaultModel,
		VPNStatus:    s.vpn.Status(),
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func handleStatic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, err := assets.LoadStaticAsset(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found", errTypeInvalidRequest)
		return
	}
	switch {
	case strings.HasSuffix(name, ".js"):
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	case strings.HasSuffix(name, ".css"):
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
	default:
		w.Header().Set("Content-Type", http.DetectContentType(b))
	}
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(b)
}
