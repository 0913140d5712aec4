package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lkarlslund/duckbridge/pkg/vpn"
)

type vpnErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleVPNStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": s.vpn.Status()})
}

func (s *Server) handleVPNConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, vpnErrorResponse{Error: err.Error()})
		return
	}
	var req struct {
		Config string `json:"config"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, vpnErrorResponse{Error: vpn.NoConfigMessage})
		return
	}
	if err := s.vpn.SaveConfig(req.Config); err != nil {
		if errors.Is(err, vpn.ErrNoConfig) {
			writeJSON(w, http.StatusBadRequest, vpnErrorResponse{Error: vpn.NoConfigMessage})
			return
		}
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleVPNConnect(w http.ResponseWriter, _ *http.Request) {
	res, err := s.vpn.Connect()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, vpnErrorResponse{Error: vpn.ConfigMissingMessage})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
