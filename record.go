package satchel

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContentKind classifies a cached content record.
type ContentKind string

const (
	// ContentLesson is downloadable lesson content with associated materials.
	ContentLesson ContentKind = "lesson"
	// ContentQuiz is a downloadable quiz definition.
	ContentQuiz ContentKind = "quiz"
	// ContentMaterial is a standalone reference material.
	ContentMaterial ContentKind = "material"
)

// ActionKind is the kind of write a queued mutation represents.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// DataType tags a queued mutation with its domain meaning. The sync engine
// dispatches side effects on this tag.
type DataType string

const (
	// DataLessonProgress carries a lesson completion/progress event.
	DataLessonProgress DataType = "lesson_progress"
	// DataQuizResult carries a finished quiz attempt.
	DataQuizResult DataType = "quiz_result"
	// DataAchievement carries an unlocked achievement. Append-only; points
	// were already granted when the achievement was created.
	DataAchievement DataType = "achievement"
	// DataUserActivity carries a bare "the user was active" signal.
	DataUserActivity DataType = "user_activity"
)

// Valid reports whether dt is one of the known mutation data types.
func (dt DataType) Valid() bool {
	switch dt {
	case DataLessonProgress, DataQuizResult, DataAchievement, DataUserActivity:
		return true
	}
	return false
}

// ContentRecord is a locally cached lesson, quiz, or material.
//
// Created on download, its LastAccessed timestamp is refreshed on each read,
// and it is deleted on explicit eviction or a full cache clear.
type ContentRecord struct {
	ID           string          `json:"id"`
	Kind         ContentKind     `json:"kind"`
	Subject      string          `json:"subject"`
	Title        string          `json:"title"`
	Payload      json.RawMessage `json:"payload"`
	SizeBytes    int64           `json:"size_bytes"`
	DownloadedAt time.Time       `json:"downloaded_at"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// MaterialRecord is one blob attached to a lesson (PDF, video, image, audio).
// The blob bytes themselves live in the blob backend; BlobKey addresses them.
type MaterialRecord struct {
	ID           string    `json:"id"`
	ContentID    string    `json:"content_id"`
	Name         string    `json:"name"`
	MediaType    string    `json:"media_type"`
	SizeBytes    int64     `json:"size_bytes"`
	BlobKey      string    `json:"blob_key"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// ProgressRecord tracks a learner's state for one lesson or quiz.
//
// Keyed by (UserID, LessonID). Score stays within [0,100] and TimeSpent only
// ever grows; both are enforced by the service layer on every update.
type ProgressRecord struct {
	UserID      string    `json:"user_id"`
	LessonID    string    `json:"lesson_id"`
	Completed   bool      `json:"completed"`
	Score       int       `json:"score"`
	TimeSpent   int64     `json:"time_spent"` // seconds, monotonically non-decreasing
	LastUpdated time.Time `json:"last_updated"`
	SyncPending bool      `json:"sync_pending"`
}

// Key returns the composite primary key for the progress record.
func (p ProgressRecord) Key() string {
	return p.UserID + "/" + p.LessonID
}

// QueueEntry is one pending mutation awaiting remote acknowledgment.
//
// Entries are immutable once enqueued except for the retry counter; they are
// removed only after the remote write they represent has been acknowledged.
type QueueEntry struct {
	ID         string          `json:"id"`
	Action     ActionKind      `json:"action"`
	DataType   DataType        `json:"data_type"`
	UserID     string          `json:"user_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
}

// Profile mirrors the remote system-of-record row for a learner. The remote
// endpoint owns it; satchel only reads it and writes point/level updates back.
type Profile struct {
	UserID       string    `json:"user_id"`
	TotalPoints  int       `json:"total_points"`
	Level        int       `json:"level"`
	LastActivity time.Time `json:"last_activity"`
}

// LessonProgressEvent is the payload carried by DataLessonProgress mutations.
type LessonProgressEvent struct {
	LessonID     string `json:"lesson_id"`
	Completed    bool   `json:"completed"`
	TimeSpent    int64  `json:"time_spent"`
	PointsEarned int    `json:"points_earned"`
}

// QuizResultEvent is the payload carried by DataQuizResult mutations.
type QuizResultEvent struct {
	QuizID    string          `json:"quiz_id"`
	Score     int             `json:"score"`
	Answers   json.RawMessage `json:"answers,omitempty"`
	TimeSpent int64           `json:"time_spent"`
}

// AchievementEvent is the payload carried by DataAchievement mutations.
type AchievementEvent struct {
	AchievementID string `json:"achievement_id"`
	Name          string `json:"name"`
	PointsAwarded int    `json:"points_awarded"`
}

// StorageUsage reports aggregate local storage consumption.
type StorageUsage struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
}

func validateEntry(action ActionKind, dataType DataType) error {
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("unknown action kind %q", action)
	}
	if !dataType.Valid() {
		return fmt.Errorf("unknown data type %q", dataType)
	}
	return nil
}
