package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LogStatus is the delivery state of a HookLog
type LogStatus int

const (
	StatusCreated LogStatus = iota
	StatusProcessing
	StatusRetrying
	StatusSuccess
	StatusFailed
)

var logStatusNames = map[LogStatus]string{
	StatusCreated:    "created",
	StatusProcessing: "processing",
	StatusRetrying:   "retrying",
	StatusSuccess:    "success",
	StatusFailed:     "failed",
}

func (s LogStatus) String() string {
	if name, ok := logStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition may leave this status
func (s LogStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s LogStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LogStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseLogStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseLogStatus parses a status name such as "retrying"
func ParseLogStatus(name string) (LogStatus, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for status, candidate := range logStatusNames {
		if candidate == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown hook log status: %s", name)
}

// HookLog tracks the delivery of one submission to one hook. There is a single
// row per (hook, submission) pair; every attempt updates it in place.
type HookLog struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	HookID         uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_hook_logs_hook_submission,priority:1" json:"hook_id"`
	SubmissionUUID string     `gorm:"not null;uniqueIndex:idx_hook_logs_hook_submission,priority:2" json:"submission_uuid"`
	Status         LogStatus  `gorm:"not null;index" json:"status"`
	Tries          int        `gorm:"not null" json:"tries"`
	Message        string     `gorm:"type:text" json:"message"`
	StatusCode     *int       `json:"status_code"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LeaseOwner     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
	DateCreated    time.Time  `gorm:"autoCreateTime;index" json:"date_created"`
	DateModified   time.Time  `gorm:"autoUpdateTime" json:"date_modified"`
}

func (HookLog) TableName() string {
	return "hook_logs"
}

func (l *HookLog) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
