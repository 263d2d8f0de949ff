package server

import (
	"context"
	"fmt"
	"net/http"

	"nearby-alerts/dispatch"
	"nearby-alerts/pkg/notifier"
)

type reportEvent struct {
	ReportID string `json:"report_id"`
	ActorID  string `json:"actor_id,omitempty"`
}

type eventResponse struct {
	Status   string `json:"status"`
	Notified int    `json:"notified"`
}

// Triggers may arrive after the report they name was deleted. That is not an
// error for the caller: the event is acknowledged and nothing is sent.
func (s *Server) noLongerRelevant(w http.ResponseWriter, reportID string) {
	s.logger.Info("Event for missing report ignored", "report_id", reportID)
	s.writeJSON(w, http.StatusOK, eventResponse{Status: "no longer relevant"})
}

func (s *Server) loadEventReport(w http.ResponseWriter, r *http.Request) (*notifier.Report, reportEvent, bool) {
	var ev reportEvent
	if err := decode(w, r, &ev); err != nil {
		s.writeError(w, r, err)
		return nil, ev, false
	}
	if ev.ReportID == "" {
		s.writeError(w, r, fmt.Errorf("%w: report_id is required", notifier.ErrInvalidArgument))
		return nil, ev, false
	}
	rep, err := s.store.Report(r.Context(), ev.ReportID)
	if notifier.IsNotFound(err) {
		s.noLongerRelevant(w, ev.ReportID)
		return nil, ev, false
	}
	if err != nil {
		s.writeError(w, r, err)
		return nil, ev, false
	}
	return rep, ev, true
}

func (s *Server) handleReportCreated(w http.ResponseWriter, r *http.Request) {
	rep, _, ok := s.loadEventReport(w, r)
	if !ok {
		return
	}
	n := s.dispatcher.OnReportCreated(context.WithoutCancel(r.Context()), rep)
	s.logger.Info("Report created event handled", "report_id", rep.ID, "notified", n)
	s.writeJSON(w, http.StatusOK, eventResponse{Status: "ok", Notified: n})
}

func (s *Server) handleStatusChange(w http.ResponseWriter, r *http.Request) {
	rep, ev, ok := s.loadEventReport(w, r)
	if !ok {
		return
	}
	n := s.dispatcher.OnStatusChange(context.WithoutCancel(r.Context()), rep, ev.ActorID)
	s.logger.Info("Status change event handled", "report_id", rep.ID, "status", rep.Status, "notified", n)
	s.writeJSON(w, http.StatusOK, eventResponse{Status: "ok", Notified: n})
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var in dispatch.Interaction
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch in.Kind {
	case dispatch.KindComment, dispatch.KindUpvote, dispatch.KindLike:
	default:
		s.writeError(w, r, fmt.Errorf("%w: unknown interaction kind %q", notifier.ErrInvalidArgument, in.Kind))
		return
	}
	if in.TargetOwnerID == "" || in.TargetID == "" {
		s.writeError(w, r, fmt.Errorf("%w: target_owner_id and target_id are required", notifier.ErrInvalidArgument))
		return
	}
	n := s.dispatcher.OnInteraction(context.WithoutCancel(r.Context()), in)
	s.writeJSON(w, http.StatusOK, eventResponse{Status: "ok", Notified: n})
}
