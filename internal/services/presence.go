package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"

	"magicwork-backend/internal/models"
)

const (
	// NumCards is the number of practice cards in every space.
	NumCards = 4

	DefaultSessionTTL = 5 * time.Minute

	// Clients heartbeat well inside the TTL and poll live counts on a
	// shorter cycle. Neither is enforced server side.
	RecommendedHeartbeatInterval = 30 * time.Second
	RecommendedPollInterval      = 10 * time.Second

	// MaxDurationSeconds bounds a reported practice length to one day.
	MaxDurationSeconds = 24 * 60 * 60

	defaultHistoryLimit = 20
)

// SessionStore is the persistence the presence service needs.
// *repository.SessionRepo satisfies it.
type SessionStore interface {
	UpsertActive(ctx context.Context, s *models.ActiveSession) error
	ExtendActive(ctx context.Context, sessionID string, heartbeatAt, expiresAt time.Time) (bool, error)
	CompleteSession(ctx context.Context, rec *models.PracticeSessionRecord) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
	CountLive(ctx context.Context, spaceName string, cardIndex int, now time.Time) (int, error)
	CountLiveByCard(ctx context.Context, spaceName string, now time.Time) (map[int]int, error)
	ListHistory(ctx context.Context, f models.HistoryFilter) ([]*models.PracticeSessionRecord, error)
}

// Publisher fans out live-count snapshots after a session starts or ends.
type Publisher interface {
	PublishLiveCounts(ctx context.Context, update models.LiveCountsUpdate) error
}

type PresenceService struct {
	store     SessionStore
	publisher Publisher
	clock     quartz.Clock
	ttl       time.Duration
	logger    *slog.Logger
}

type PresenceOption func(*PresenceService)

func WithClock(clock quartz.Clock) PresenceOption {
	return func(s *PresenceService) { s.clock = clock }
}

func WithPublisher(p Publisher) PresenceOption {
	return func(s *PresenceService) { s.publisher = p }
}

func WithSessionTTL(ttl time.Duration) PresenceOption {
	return func(s *PresenceService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewPresenceService(store SessionStore, logger *slog.Logger, opts ...PresenceOption) *PresenceService {
	s := &PresenceService{
		store:  store,
		clock:  quartz.NewReal(),
		ttl:    DefaultSessionTTL,
		logger: logger.With("component", "presence"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PresenceService) TTL() time.Duration { return s.ttl }

func (s *PresenceService) now() time.Time {
	return s.clock.Now().UTC()
}

// Start registers or refreshes an active session keyed by session_id.
func (s *PresenceService) Start(ctx context.Context, req *models.StartSessionRequest) error {
	if err := validateSessionRef(req.SessionID, req.SpaceName, req.CardIndex); err != nil {
		return err
	}

	now := s.now()
	session := &models.ActiveSession{
		SessionID:       req.SessionID,
		UserID:          nonEmpty(req.UserID),
		SpaceName:       req.SpaceName,
		CardIndex:       *req.CardIndex,
		CardID:          nonEmpty(req.CardID),
		VideoAssetID:    nonEmpty(req.VideoAssetID),
		AudioAssetID:    nonEmpty(req.AudioAssetID),
		StartedAt:       now,
		LastHeartbeatAt: now,
		ExpiresAt:       now.Add(s.ttl),
	}

	if err := s.store.UpsertActive(ctx, session); err != nil {
		return fmt.Errorf("start session %s: %w", req.SessionID, err)
	}

	s.logger.Debug("session started", "session_id", req.SessionID, "space", req.SpaceName, "card", *req.CardIndex)
	s.publish(ctx, req.SpaceName)
	return nil
}

// Heartbeat extends a live session. A missing or already expired session
// yields false; the client has to start again.
func (s *PresenceService) Heartbeat(ctx context.Context, sessionID string) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, newValidationError("session_id", "Missing session_id")
	}

	now := s.now()
	ok, err := s.store.ExtendActive(ctx, sessionID, now, now.Add(s.ttl))
	if err != nil {
		return false, fmt.Errorf("heartbeat session %s: %w", sessionID, err)
	}
	return ok, nil
}

// Complete writes the history record and removes the active row. The
// record's start time is derived from the reported duration, not from the
// active row.
func (s *PresenceService) Complete(ctx context.Context, req *models.CompleteSessionRequest) (*models.PracticeSessionRecord, error) {
	if err := validateSessionRef(req.SessionID, req.SpaceName, req.CardIndex); err != nil {
		return nil, err
	}
	if req.DurationSeconds == nil {
		return nil, newValidationError("duration_seconds", "Missing duration_seconds")
	}
	if *req.DurationSeconds < 0 {
		return nil, newValidationError("duration_seconds", "duration_seconds must not be negative")
	}
	if *req.DurationSeconds > MaxDurationSeconds {
		return nil, newValidationError("duration_seconds", fmt.Sprintf("duration_seconds must be at most %d", MaxDurationSeconds))
	}

	completedAt := s.now()
	rec := &models.PracticeSessionRecord{
		SessionID:               req.SessionID,
		UserID:                  nonEmpty(req.UserID),
		SpaceName:               req.SpaceName,
		CardIndex:               *req.CardIndex,
		CardID:                  nonEmpty(req.CardID),
		VideoAssetID:            nonEmpty(req.VideoAssetID),
		AudioAssetID:            nonEmpty(req.AudioAssetID),
		VideoURL:                nonEmpty(req.VideoURL),
		AudioURL:                nonEmpty(req.AudioURL),
		DurationSeconds:         *req.DurationSeconds,
		SelectedDurationMinutes: req.SelectedDurationMinutes,
		VoiceAudioSelected:      nonEmpty(req.VoiceAudioSelected),
		Completed:               true,
		CompletionMessageShown:  nonEmpty(req.CompletionMessageShown),
		StartedAt:               completedAt.Add(-time.Duration(*req.DurationSeconds) * time.Second),
		CompletedAt:             completedAt,
	}

	if err := s.store.CompleteSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("complete session %s: %w", req.SessionID, err)
	}

	s.logger.Info("session completed",
		"session_id", req.SessionID,
		"space", req.SpaceName,
		"card", *req.CardIndex,
		"duration_seconds", *req.DurationSeconds,
	)
	s.publish(ctx, req.SpaceName)
	return rec, nil
}

// LiveCount sweeps expired sessions and counts the live ones on a card.
// Errors are logged and reported as zero.
func (s *PresenceService) LiveCount(ctx context.Context, spaceName string, cardIndex int) int {
	now := s.now()
	if err := s.sweep(ctx, now); err != nil {
		s.logger.Warn("live count unavailable", "space", spaceName, "card", cardIndex, "error", err)
		return 0
	}

	count, err := s.store.CountLive(ctx, spaceName, cardIndex, now)
	if err != nil {
		s.logger.Warn("live count unavailable", "space", spaceName, "card", cardIndex, "error", err)
		return 0
	}
	return count
}

// LiveCounts sweeps expired sessions and returns a count for every card in
// the space, zero-filled. Errors yield all zeros.
func (s *PresenceService) LiveCounts(ctx context.Context, spaceName string) map[int]int {
	counts := zeroCounts()

	now := s.now()
	if err := s.sweep(ctx, now); err != nil {
		s.logger.Warn("live counts unavailable", "space", spaceName, "error", err)
		return counts
	}

	byCard, err := s.store.CountLiveByCard(ctx, spaceName, now)
	if err != nil {
		s.logger.Warn("live counts unavailable", "space", spaceName, "error", err)
		return counts
	}
	for card, n := range byCard {
		if card >= 0 && card < NumCards {
			counts[card] = n
		}
	}
	return counts
}

// History lists completed sessions for a user or a space.
func (s *PresenceService) History(ctx context.Context, userID, spaceName string, limit int) ([]*models.PracticeSessionRecord, error) {
	userID = strings.TrimSpace(userID)
	spaceName = strings.TrimSpace(spaceName)
	if userID == "" && spaceName == "" {
		return nil, newValidationError("user_id", "Missing user_id or space parameter")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	records, err := s.store.ListHistory(ctx, models.HistoryFilter{UserID: userID, SpaceName: spaceName, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	if records == nil {
		records = []*models.PracticeSessionRecord{}
	}
	return records, nil
}

func (s *PresenceService) sweep(ctx context.Context, now time.Time) error {
	n, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("swept expired sessions", "count", n)
	}
	return nil
}

func (s *PresenceService) publish(ctx context.Context, spaceName string) {
	if s.publisher == nil {
		return
	}

	update := models.LiveCountsUpdate{
		Type:   "live_counts",
		Space:  spaceName,
		Counts: StringKeyed(s.LiveCounts(ctx, spaceName)),
		At:     s.now(),
	}
	if err := s.publisher.PublishLiveCounts(ctx, update); err != nil {
		s.logger.Warn("publish live counts failed", "space", spaceName, "error", err)
	}
}

// StringKeyed converts card counts to the JSON object shape clients expect.
func StringKeyed(counts map[int]int) map[string]int {
	out := make(map[string]int, len(counts))
	for card, n := range counts {
		out[strconv.Itoa(card)] = n
	}
	return out
}

func zeroCounts() map[int]int {
	counts := make(map[int]int, NumCards)
	for i := 0; i < NumCards; i++ {
		counts[i] = 0
	}
	return counts
}

func validateSessionRef(sessionID, spaceName string, cardIndex *int) error {
	if strings.TrimSpace(sessionID) == "" {
		return newValidationError("session_id", "Missing session_id")
	}
	if strings.TrimSpace(spaceName) == "" {
		return newValidationError("space_name", "Missing space_name")
	}
	if cardIndex == nil {
		return newValidationError("card_index", "Missing card_index")
	}
	if *cardIndex < 0 || *cardIndex >= NumCards {
		return newValidationError("card_index", fmt.Sprintf("card_index must be between 0 and %d", NumCards-1))
	}
	return nil
}

func nonEmpty(v *string) *string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return v
}
