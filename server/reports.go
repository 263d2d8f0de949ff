package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"nearby-alerts/community"
	"nearby-alerts/geo"
	"nearby-alerts/match"
	"nearby-alerts/pkg/notifier"
)

type nearbyReport struct {
	*notifier.Report
	DistanceKm float64 `json:"distance_km"`
}

// parseNearby reads lat, lon, radius_km, type and status from the query.
// type may repeat or be comma separated.
func parseNearby(r *http.Request) (notifier.GeoPoint, float64, notifier.ReportFilter, error) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	radius, radErr := strconv.ParseFloat(q.Get("radius_km"), 64)
	if latErr != nil || lonErr != nil || radErr != nil {
		return notifier.GeoPoint{}, 0, notifier.ReportFilter{}, fmt.Errorf("%w: lat, lon and radius_km must be numbers", notifier.ErrInvalidArgument)
	}

	var filter notifier.ReportFilter
	for _, v := range q["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, notifier.ReportType(t))
			}
		}
	}
	if st := q.Get("status"); st != "" {
		filter.Status = notifier.ReportStatus(st)
	}
	return notifier.GeoPoint{Latitude: lat, Longitude: lon}, radius, filter, nil
}

// withDistance orders reports nearest first and annotates each with its distance.
func withDistance(reports []*notifier.Report, center notifier.GeoPoint) []nearbyReport {
	match.SortByDistance(reports, center)
	out := make([]nearbyReport, len(reports))
	for i, rep := range reports {
		out[i] = nearbyReport{Report: rep, DistanceKm: geo.Haversine(center, rep.Location)}
	}
	return out
}

// handleNearby answers GET /reports/nearby?lat=&lon=&radius_km=&type=&status=.
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	center, radius, filter, err := parseNearby(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reports, err := s.finder.FindWithinRadius(r.Context(), center, radius, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reports": withDistance(reports, center)})
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var in community.NewReport
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.community.CreateReport(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rep)
}

type actorRequest struct {
	UserID string `json:"user_id"`
}

// actor reads the acting user from the JSON body, or from ?user_id= on
// requests without one.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id, true
	}
	var req actorRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	if req.UserID == "" {
		s.writeError(w, r, fmt.Errorf("%w: user_id is required", notifier.ErrInvalidArgument))
		return "", false
	}
	return req.UserID, true
}

// toggle serves the idempotent set operations (upvote, track, like).
func (s *Server) toggle(op func(r *http.Request, targetID, userID string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.actor(w, r)
		if !ok {
			return
		}
		changed, err := op(r, r.PathValue("id"), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
	}
}

func (s *Server) handleUpvote(w http.ResponseWriter, r *http.Request) {
	s.toggle(func(r *http.Request, id, user string) (bool, error) {
		return s.community.UpvoteReport(r.Context(), id, user)
	})(w, r)
}

func (s *Server) handleRemoveUpvote(w http.ResponseWriter, r *http.Request) {
	s.toggle(func(r *http.Request, id, user string) (bool, error) {
		return s.community.RemoveUpvote(r.Context(), id, user)
	})(w, r)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	s.toggle(func(r *http.Request, id, user string) (bool, error) {
		return s.community.TrackReport(r.Context(), id, user)
	})(w, r)
}

func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	s.toggle(func(r *http.Request, id, user string) (bool, error) {
		return s.community.UntrackReport(r.Context(), id, user)
	})(w, r)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	s.toggle(func(r *http.Request, id, user string) (bool, error) {
		return s.community.LikePost(r.Context(), id, user)
	})(w, r)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	s.toggle(func(r *http.Request, id, user string) (bool, error) {
		return s.community.UnlikePost(r.Context(), id, user)
	})(w, r)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.actor(w, r)
	if !ok {
		return
	}
	if err := s.community.ResolveReport(r.Context(), r.PathValue("id"), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.actor(w, r)
	if !ok {
		return
	}
	if err := s.community.DeleteReport(r.Context(), r.PathValue("id"), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commentRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.community.AddComment(r.Context(), r.PathValue("id"), req.UserID, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

type postRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.community.CreatePost(r.Context(), req.UserID, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}
