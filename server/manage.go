package server

import (
	"fmt"
	"net/http"

	"nearby-alerts/pkg/notifier"
)

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	n, err := s.store.UnreadCount(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	n, err := s.dispatcher.MarkAllAsRead(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.MarkAsRead(r.Context(), r.PathValue("id"), r.PathValue("nid")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	n, err := s.dispatcher.DeleteAll(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Notifications cleared", "user_id", userID, "deleted", n)
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type alertRequest struct {
	Center      *notifier.GeoPoint    `json:"center"`
	NotifyTypes []notifier.ReportType `json:"notify_types"`
	RadiusKm    float64               `json:"radius_km"`
}

func (s *Server) handlePutAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Center == nil {
		s.writeError(w, r, fmt.Errorf("%w: center is required", notifier.ErrInvalidArgument))
		return
	}
	sub, err := s.community.SetAlertSubscription(r.Context(), r.PathValue("id"), *req.Center, req.RadiusKm, req.NotifyTypes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.community.ClearAlertSubscription(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.community.RegisterPushToken(r.Context(), r.PathValue("id"), req.Token, req.Platform); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
