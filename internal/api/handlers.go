// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"net/netip"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/prevention"
	"grimm.is/vakthund/internal/telemetry"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"prevention": s.prev.Stats(),
		"rules":      s.prev.Rules().Stats(),
	}
	if s.stats != nil {
		out["pipeline"] = s.stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, _ *http.Request) {
	records := s.prev.Quarantine().Snapshot(s.now())
	if records == nil {
		records = []prevention.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.prev.Rules().Rules()
	if rules == nil {
		rules = []prevention.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default_policy": s.prev.Rules().DefaultPolicy(),
		"rules":          rules,
	})
}

// RuleRequest is the body of POST /api/rules.
type RuleRequest struct {
	Source string `json:"source"`
	Action string `json:"action"`
}

func (s *Server) handleInstallRule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.KindValidation, "decode rule"))
		return
	}
	src, err := netip.ParseAddr(req.Source)
	if err != nil {
		writeError(w, errors.Wrapf(err, errors.KindValidation, "source %q", req.Source))
		return
	}
	action, err := prevention.ParseAction(req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.prev.InstallUserRule(src.Unmap(), action, s.now()); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("User rule installed", "source", src.String(), "action", action.String())
	rule, _ := s.prev.Rules().Lookup(src.Unmap(), prevention.OriginUser)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["source"]
	src, err := netip.ParseAddr(raw)
	if err != nil {
		writeError(w, errors.Wrapf(err, errors.KindValidation, "source %q", raw))
		return
	}
	removed, err := s.prev.RemoveUserRule(src.Unmap(), s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeError(w, errors.Errorf(errors.KindNotFound, "no user rule for %s", src))
		return
	}
	s.logger.Info("User rule removed", "source", src.String())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecent(w http.ResponseWriter, _ *http.Request) {
	records := []telemetry.Record{}
	if s.ring != nil {
		records = append(records, s.ring.Recent()...)
	}
	writeJSON(w, http.StatusOK, records)
}
