// Package community implements the user-facing mutations of reports, posts
// and alert areas. Shared counters and member sets only change through the
// store's atomic operations.
package community

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nearby-alerts/dispatch"
	"nearby-alerts/geo"
	"nearby-alerts/pkg/notifier"
)

// DefaultMaxAlertRadiusKm is the largest alert area a user can save unless
// configured otherwise. It must match the dispatcher's reverse lookup radius.
const DefaultMaxAlertRadiusKm = 50.0

// Store is the document store surface the service mutates.
type Store interface {
	CreateReport(ctx context.Context, r *notifier.Report) error
	Report(ctx context.Context, id string) (*notifier.Report, error)
	DeleteReport(ctx context.Context, id string) error
	SetReportStatus(ctx context.Context, id string, status notifier.ReportStatus) error
	AddComment(ctx context.Context, c *notifier.Comment) error
	CreatePost(ctx context.Context, p *notifier.Post) error
	Post(ctx context.Context, id string) (*notifier.Post, error)
	AddMember(ctx context.Context, ref notifier.DocRef, setField, countField, member string) (bool, error)
	RemoveMember(ctx context.Context, ref notifier.DocRef, setField, countField, member string) (bool, error)
	PutSubscription(ctx context.Context, sub *notifier.AlertSubscription) error
	DeleteSubscription(ctx context.Context, userID string) error
}

// TokenRegistry stores device push tokens.
type TokenRegistry interface {
	RegisterToken(ctx context.Context, tok notifier.PushToken) error
}

// Notifier receives domain events after the write that caused them.
type Notifier interface {
	OnReportCreated(ctx context.Context, r *notifier.Report) int
	OnInteraction(ctx context.Context, in dispatch.Interaction) int
	OnStatusChange(ctx context.Context, r *notifier.Report, actorID string) int
}

// Service applies community mutations. A nil Notifier means events are
// delivered by store triggers instead.
//
// Events are fanned out in the background once the write has committed, so
// a caller that goes away never cuts a fan-out short. Wait blocks until
// every started fan-out has finished.
type Service struct {
	store       Store
	tokens      TokenRegistry
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	maxRadiusKm float64
	fanouts     sync.WaitGroup
}

// New creates a community service. Alert areas are capped at maxRadiusKm,
// or DefaultMaxAlertRadiusKm when it is not positive.
func New(store Store, tokens TokenRegistry, n Notifier, logger *slog.Logger, maxRadiusKm float64) *Service {
	if maxRadiusKm <= 0 {
		maxRadiusKm = DefaultMaxAlertRadiusKm
	}
	return &Service{store: store, tokens: tokens, notifier: n, logger: logger, now: time.Now, maxRadiusKm: maxRadiusKm}
}

// Wait blocks until every background fan-out has finished.
func (s *Service) Wait() {
	s.fanouts.Wait()
}

// notify runs fn against the notifier on a context that keeps the caller's
// values but not its cancellation.
func (s *Service) notify(ctx context.Context, fn func(ctx context.Context, n Notifier)) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.fanouts.Add(1)
	go func() {
		defer s.fanouts.Done()
		fn(ctx, s.notifier)
	}()
}

// NewReport is the input to CreateReport.
type NewReport struct {
	Location    notifier.GeoPoint   `json:"location"`
	UserID      string              `json:"user_id"`
	Type        notifier.ReportType `json:"type"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
}

// CreateReport stores a report with its geohash in one write and then fans
// out nearby alerts in the background. Fan-out problems never fail the
// creation.
func (s *Service) CreateReport(ctx context.Context, in NewReport) (*notifier.Report, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", notifier.ErrInvalidArgument)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown report type %q", notifier.ErrInvalidArgument, in.Type)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", notifier.ErrInvalidArgument)
	}
	hash, err := geo.Encode(in.Location, geo.StoredPrecision)
	if err != nil {
		return nil, err
	}

	r := &notifier.Report{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Type:        in.Type,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Location:    in.Location,
		Geohash:     hash,
		Status:      notifier.StatusOpen,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	s.logger.Info("Report created", "report_id", r.ID, "user_id", r.UserID, "type", r.Type, "geohash", r.Geohash)

	s.notify(ctx, func(ctx context.Context, n Notifier) { n.OnReportCreated(ctx, r) })
	return r, nil
}

// ResolveReport moves an open report to resolved. Only the owner may do it;
// resolving twice is a no-op.
func (s *Service) ResolveReport(ctx context.Context, reportID, actorID string) error {
	r, err := s.owned(ctx, reportID, actorID)
	if err != nil {
		return err
	}
	if r.Status == notifier.StatusResolved {
		return nil
	}
	if err := s.store.SetReportStatus(ctx, reportID, notifier.StatusResolved); err != nil {
		return fmt.Errorf("resolve report: %w", err)
	}
	r.Status = notifier.StatusResolved
	s.logger.Info("Report resolved", "report_id", reportID)

	s.notify(ctx, func(ctx context.Context, n Notifier) { n.OnStatusChange(ctx, r, actorID) })
	return nil
}

// DeleteReport removes a report. Only the owner may do it.
func (s *Service) DeleteReport(ctx context.Context, reportID, actorID string) error {
	if _, err := s.owned(ctx, reportID, actorID); err != nil {
		return err
	}
	if err := s.store.DeleteReport(ctx, reportID); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	s.logger.Info("Report deleted", "report_id", reportID)
	return nil
}

func (s *Service) owned(ctx context.Context, reportID, actorID string) (*notifier.Report, error) {
	if reportID == "" || actorID == "" {
		return nil, fmt.Errorf("%w: report and actor ids are required", notifier.ErrInvalidArgument)
	}
	r, err := s.store.Report(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.UserID != actorID {
		return nil, fmt.Errorf("report %s: %w", reportID, notifier.ErrUnauthorized)
	}
	return r, nil
}

// UpvoteReport adds the user's upvote once. It reports whether anything changed.
func (s *Service) UpvoteReport(ctx context.Context, reportID, userID string) (bool, error) {
	r, err := s.report(ctx, reportID, userID)
	if err != nil {
		return false, err
	}
	added, err := s.store.AddMember(ctx, reportRef(reportID), notifier.FieldUpvotedBy, notifier.FieldUpvotes, userID)
	if err != nil {
		return false, fmt.Errorf("upvote: %w", err)
	}
	if added {
		in := dispatch.Interaction{
			Kind:          dispatch.KindUpvote,
			TargetOwnerID: r.UserID,
			ActorID:       userID,
			TargetID:      reportID,
		}
		s.notify(ctx, func(ctx context.Context, n Notifier) { n.OnInteraction(ctx, in) })
	}
	return added, nil
}

// RemoveUpvote withdraws the user's upvote.
func (s *Service) RemoveUpvote(ctx context.Context, reportID, userID string) (bool, error) {
	if reportID == "" || userID == "" {
		return false, fmt.Errorf("%w: report and user ids are required", notifier.ErrInvalidArgument)
	}
	removed, err := s.store.RemoveMember(ctx, reportRef(reportID), notifier.FieldUpvotedBy, notifier.FieldUpvotes, userID)
	if err != nil {
		return false, fmt.Errorf("remove upvote: %w", err)
	}
	return removed, nil
}

// AddComment stores a comment, bumps the report's comment count and tells
// the report owner.
func (s *Service) AddComment(ctx context.Context, reportID, userID, text string) (*notifier.Comment, error) {
	r, err := s.report(ctx, reportID, userID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: comment text is required", notifier.ErrInvalidArgument)
	}

	c := &notifier.Comment{
		ID:        uuid.NewString(),
		ReportID:  reportID,
		UserID:    userID,
		Text:      text,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddComment(ctx, c); err != nil {
		return nil, fmt.Errorf("add comment: %w", err)
	}

	in := dispatch.Interaction{
		Kind:          dispatch.KindComment,
		TargetOwnerID: r.UserID,
		ActorID:       userID,
		TargetID:      reportID,
		EventID:       c.ID,
		Preview:       text,
	}
	s.notify(ctx, func(ctx context.Context, n Notifier) { n.OnInteraction(ctx, in) })
	return c, nil
}

// TrackReport adds the report to the user's followed reports.
func (s *Service) TrackReport(ctx context.Context, reportID, userID string) (bool, error) {
	if reportID == "" || userID == "" {
		return false, fmt.Errorf("%w: report and user ids are required", notifier.ErrInvalidArgument)
	}
	added, err := s.store.AddMember(ctx, reportRef(reportID), notifier.FieldTrackedBy, "", userID)
	if err != nil {
		return false, fmt.Errorf("track report: %w", err)
	}
	return added, nil
}

// UntrackReport removes the report from the user's followed reports.
func (s *Service) UntrackReport(ctx context.Context, reportID, userID string) (bool, error) {
	if reportID == "" || userID == "" {
		return false, fmt.Errorf("%w: report and user ids are required", notifier.ErrInvalidArgument)
	}
	removed, err := s.store.RemoveMember(ctx, reportRef(reportID), notifier.FieldTrackedBy, "", userID)
	if err != nil {
		return false, fmt.Errorf("untrack report: %w", err)
	}
	return removed, nil
}

// CreatePost stores a community post.
func (s *Service) CreatePost(ctx context.Context, userID, content string) (*notifier.Post, error) {
	content = strings.TrimSpace(content)
	if userID == "" || content == "" {
		return nil, fmt.Errorf("%w: user id and content are required", notifier.ErrInvalidArgument)
	}
	p := &notifier.Post{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreatePost(ctx, p); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return p, nil
}

// LikePost likes a post once; repeating it changes nothing.
func (s *Service) LikePost(ctx context.Context, postID, userID string) (bool, error) {
	if postID == "" || userID == "" {
		return false, fmt.Errorf("%w: post and user ids are required", notifier.ErrInvalidArgument)
	}
	p, err := s.store.Post(ctx, postID)
	if err != nil {
		return false, err
	}
	added, err := s.store.AddMember(ctx, postRef(postID), notifier.FieldLikedBy, notifier.FieldLikes, userID)
	if err != nil {
		return false, fmt.Errorf("like post: %w", err)
	}
	if added {
		in := dispatch.Interaction{
			Kind:          dispatch.KindLike,
			TargetOwnerID: p.UserID,
			ActorID:       userID,
			TargetID:      postID,
			Preview:       p.Content,
		}
		s.notify(ctx, func(ctx context.Context, n Notifier) { n.OnInteraction(ctx, in) })
	}
	return added, nil
}

// UnlikePost exactly undoes LikePost.
func (s *Service) UnlikePost(ctx context.Context, postID, userID string) (bool, error) {
	if postID == "" || userID == "" {
		return false, fmt.Errorf("%w: post and user ids are required", notifier.ErrInvalidArgument)
	}
	removed, err := s.store.RemoveMember(ctx, postRef(postID), notifier.FieldLikedBy, notifier.FieldLikes, userID)
	if err != nil {
		return false, fmt.Errorf("unlike post: %w", err)
	}
	return removed, nil
}

// SetAlertSubscription saves the user's alert area. An empty types list
// means every report type.
func (s *Service) SetAlertSubscription(ctx context.Context, userID string, center notifier.GeoPoint, radiusKm float64, types []notifier.ReportType) (*notifier.AlertSubscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", notifier.ErrInvalidArgument)
	}
	if err := geo.ValidateRadius(radiusKm); err != nil {
		return nil, err
	}
	if radiusKm > s.maxRadiusKm {
		return nil, fmt.Errorf("%w: radius %.1f km exceeds %g km", notifier.ErrInvalidArgument, radiusKm, s.maxRadiusKm)
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown report type %q", notifier.ErrInvalidArgument, t)
		}
	}
	hash, err := geo.Encode(center, geo.StoredPrecision)
	if err != nil {
		return nil, err
	}

	sub := &notifier.AlertSubscription{
		UserID:      userID,
		Center:      center,
		Geohash:     hash,
		RadiusKm:    radiusKm,
		NotifyTypes: types,
		UpdatedAt:   s.now().UTC(),
	}
	if err := s.store.PutSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("save alert subscription: %w", err)
	}
	s.logger.Info("Alert subscription saved", "user_id", userID, "geohash", hash[:5], "radius_km", radiusKm)
	return sub, nil
}

// ClearAlertSubscription removes the user's alert area.
func (s *Service) ClearAlertSubscription(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", notifier.ErrInvalidArgument)
	}
	return s.store.DeleteSubscription(ctx, userID)
}

// RegisterPushToken records a device token for the user.
func (s *Service) RegisterPushToken(ctx context.Context, userID, token, platform string) error {
	if userID == "" || token == "" {
		return fmt.Errorf("%w: user id and token are required", notifier.ErrInvalidArgument)
	}
	switch platform {
	case "expo", "fcm":
	default:
		return fmt.Errorf("%w: unknown push platform %q", notifier.ErrInvalidArgument, platform)
	}
	return s.tokens.RegisterToken(ctx, notifier.PushToken{
		UserID:        userID,
		Token:         token,
		Platform:      platform,
		LastValidated: s.now().UTC(),
	})
}

func (s *Service) report(ctx context.Context, reportID, userID string) (*notifier.Report, error) {
	if reportID == "" || userID == "" {
		return nil, fmt.Errorf("%w: report and user ids are required", notifier.ErrInvalidArgument)
	}
	return s.store.Report(ctx, reportID)
}

func reportRef(id string) notifier.DocRef {
	return notifier.DocRef{Collection: notifier.CollectionReports, ID: id}
}

func postRef(id string) notifier.DocRef {
	return notifier.DocRef{Collection: notifier.CollectionPosts, ID: id}
}
