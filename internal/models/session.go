package models

import (
	"time"

	"github.com/google/uuid"
)

// ActiveSession is one in-progress practice session. A row whose ExpiresAt
// is not after now is treated as absent even before it is swept.
type ActiveSession struct {
	SessionID       string    `json:"session_id"`
	UserID          *string   `json:"user_id"`
	SpaceName       string    `json:"space_name"`
	CardIndex       int       `json:"card_index"`
	CardID          *string   `json:"card_id"`
	VideoAssetID    *string   `json:"video_asset_id"`
	AudioAssetID    *string   `json:"audio_asset_id"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// PracticeSessionRecord is the immutable history entry written when a
// session completes.
type PracticeSessionRecord struct {
	ID                      uuid.UUID `json:"id"`
	SessionID               string    `json:"session_id"`
	UserID                  *string   `json:"user_id"`
	SpaceName               string    `json:"space_name"`
	CardIndex               int       `json:"card_index"`
	CardID                  *string   `json:"card_id"`
	VideoAssetID            *string   `json:"video_asset_id"`
	AudioAssetID            *string   `json:"audio_asset_id"`
	VideoURL                *string   `json:"video_url"`
	AudioURL                *string   `json:"audio_url"`
	DurationSeconds         int       `json:"duration_seconds"`
	SelectedDurationMinutes *int      `json:"selected_duration_minutes"`
	VoiceAudioSelected      *string   `json:"voice_audio_selected"`
	Completed               bool      `json:"completed"`
	CompletionMessageShown  *string   `json:"completion_message_shown"`
	StartedAt               time.Time `json:"started_at"`
	CompletedAt             time.Time `json:"completed_at"`
}

// StartSessionRequest is the body of POST ?action=start. Pointer fields are
// optional; CardIndex is a pointer so a missing value can be told apart
// from card 0.
type StartSessionRequest struct {
	SessionID    string  `json:"session_id"`
	UserID       *string `json:"user_id"`
	SpaceName    string  `json:"space_name"`
	CardIndex    *int    `json:"card_index"`
	CardID       *string `json:"card_id"`
	VideoAssetID *string `json:"video_asset_id"`
	AudioAssetID *string `json:"audio_asset_id"`

	// Sent by clients at start but only stored on complete. Accepted so
	// start and complete share one body shape.
	VideoURL                *string `json:"video_url"`
	AudioURL                *string `json:"audio_url"`
	SelectedDurationMinutes *int    `json:"selected_duration_minutes"`
	VoiceAudioSelected      *string `json:"voice_audio_selected"`
}

type HeartbeatRequest struct {
	SessionID string `json:"session_id"`
}

type CompleteSessionRequest struct {
	SessionID               string  `json:"session_id"`
	UserID                  *string `json:"user_id"`
	SpaceName               string  `json:"space_name"`
	CardIndex               *int    `json:"card_index"`
	CardID                  *string `json:"card_id"`
	VideoAssetID            *string `json:"video_asset_id"`
	AudioAssetID            *string `json:"audio_asset_id"`
	VideoURL                *string `json:"video_url"`
	AudioURL                *string `json:"audio_url"`
	DurationSeconds         *int    `json:"duration_seconds"`
	SelectedDurationMinutes *int    `json:"selected_duration_minutes"`
	VoiceAudioSelected      *string `json:"voice_audio_selected"`
	CompletionMessageShown  *string `json:"completion_message_shown"`
}

// HistoryFilter narrows ListHistory. At least one of UserID or SpaceName is
// set by the service before it reaches the store.
type HistoryFilter struct {
	UserID    string
	SpaceName string
	Limit     int
}

// LiveCountsUpdate is the payload pushed to websocket watchers of a space.
type LiveCountsUpdate struct {
	Type   string         `json:"type"`
	Space  string         `json:"space"`
	Counts map[string]int `json:"counts"`
	At     time.Time      `json:"at"`
}
