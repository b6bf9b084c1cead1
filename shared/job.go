// shared/job.go
package shared

import (
	"regexp"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusStreaming  JobStatus = "streaming"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// DeliveryMode records which generation path produced the job's audio.
type DeliveryMode string

const (
	// DeliveryStreaming publishes segments and a growing playlist.
	DeliveryStreaming DeliveryMode = "streaming"
	// DeliverySingleFile renders one file and exposes it only as a download.
	DeliverySingleFile DeliveryMode = "single_file"
)

// userIDPattern keeps user ids safe to embed in object keys.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateUserID rejects ids that could escape or collide in the
// users/{user_id}/ key namespace.
func ValidateUserID(userID string) error {
	if userID == "" {
		return Validationf("user_id is required")
	}
	if !userIDPattern.MatchString(userID) {
		return Validationf("user_id must be 1-128 letters, digits, '_' or '-'")
	}
	return nil
}

// DurationPresets are the supported session lengths in minutes.
var DurationPresets = []int{5, 10, 15, 20, 30}

// IsDurationPreset reports whether minutes is one of DurationPresets.
func IsDurationPreset(minutes int) bool {
	for _, p := range DurationPresets {
		if p == minutes {
			return true
		}
	}
	return false
}

// StreamingInfo tracks progressive publication of a job's segments.
// SegmentsCompleted only moves forward within one attempt.
type StreamingInfo struct {
	PlaylistKey       string    `json:"playlist_key"`
	SegmentsCompleted int       `json:"segments_completed"`
	SegmentsTotal     *int      `json:"segments_total,omitempty"`
	StartedAt         time.Time `json:"started_at"`
}

// DownloadInfo describes the concatenated single-file artifact.
// Available implies ObjectKey is set.
type DownloadInfo struct {
	Available  bool   `json:"available"`
	ObjectKey  string `json:"object_key,omitempty"`
	Downloaded bool   `json:"downloaded"`
}

// Job represents the state of one guided-audio generation request
type Job struct {
	ID                string         `json:"job_id"`
	UserID            string         `json:"user_id"`
	JobType           string         `json:"job_type"`
	Status            JobStatus      `json:"status"`
	Delivery          DeliveryMode   `json:"delivery"`
	GenerationAttempt int            `json:"generation_attempt"`
	Streaming         *StreamingInfo `json:"streaming,omitempty"`
	Download          *DownloadInfo  `json:"download,omitempty"`
	BackgroundTracks  []string       `json:"background_tracks,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	ArtifactsPurgedAt *time.Time     `json:"artifacts_purged_at,omitempty"`
	// Version is bumped by every successful repository update.
	Version int64 `json:"version"`
}

// IsTerminal reports whether the job can no longer change status.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// SegmentsCompleted returns the streaming counter or zero.
func (j *Job) SegmentsCompleted() int {
	if j.Streaming == nil {
		return 0
	}
	return j.Streaming.SegmentsCompleted
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Streaming != nil {
		s := *j.Streaming
		if j.Streaming.SegmentsTotal != nil {
			total := *j.Streaming.SegmentsTotal
			s.SegmentsTotal = &total
		}
		c.Streaming = &s
	}
	if j.Download != nil {
		d := *j.Download
		c.Download = &d
	}
	if j.BackgroundTracks != nil {
		c.BackgroundTracks = append([]string(nil), j.BackgroundTracks...)
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.ArtifactsPurgedAt = cloneTime(j.ArtifactsPurgedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// VoiceConfig selects the synthesis voice.
type VoiceConfig struct {
	Voice    string  `json:"voice,omitempty" yaml:"voice"`
	Model    string  `json:"model,omitempty" yaml:"model"`
	Speed    float64 `json:"speed,omitempty" yaml:"speed"`
	Language string  `json:"language,omitempty" yaml:"language"`
}

// GenerateRequest is the body accepted by the gateway and carried to workers.
type GenerateRequest struct {
	UserID          string       `json:"user_id"`
	JobType         string       `json:"job_type,omitempty"`
	Script          string       `json:"script"`
	DurationMinutes int          `json:"duration_minutes"`
	BackgroundTrack string       `json:"background_track,omitempty"`
	Voice           VoiceConfig  `json:"voice,omitempty"`
	Delivery        DeliveryMode `json:"delivery,omitempty"`
}
