package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuthMode selects the credential material attached to an outbound request
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthBasic
)

func (m AuthMode) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthBasic:
		return "basic"
	default:
		return fmt.Sprintf("auth_mode(%d)", int(m))
	}
}

func (m AuthMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *AuthMode) UnmarshalText(text []byte) error {
	parsed, err := ParseAuthMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseAuthMode parses "none" or "basic" (case-insensitive)
func ParseAuthMode(name string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return AuthNone, nil
	case "basic":
		return AuthBasic, nil
	}
	return AuthNone, fmt.Errorf("unknown auth mode: %s", name)
}

// Hook is a delivery destination configured for one form. Rows are owned by the
// form administration surface; this service only reads them.
type Hook struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FormID            string    `gorm:"not null;index" json:"form_id"`
	Name              string    `json:"name"`
	Endpoint          string    `gorm:"not null" json:"endpoint"`
	AuthMode          AuthMode  `gorm:"not null" json:"auth_mode"`
	AuthUsername      string    `json:"auth_username,omitempty"`
	AuthPassword      string    `json:"-"`
	SigningSecret     string    `json:"-"`
	Active            bool      `gorm:"not null;index" json:"active"`
	SubsetFields      []string  `gorm:"serializer:json;type:text" json:"subset_fields"`
	FilteredFields    []string  `gorm:"serializer:json;type:text" json:"filtered_fields"`
	PayloadTemplate   string    `gorm:"type:text" json:"payload_template,omitempty"`
	EmailNotification bool      `gorm:"not null" json:"email_notification"`
	DateCreated       time.Time `gorm:"autoCreateTime" json:"date_created"`
	DateModified      time.Time `gorm:"autoUpdateTime" json:"date_modified"`
}

func (Hook) TableName() string {
	return "hooks"
}

func (h *Hook) BeforeCreate(*gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

// Form is the slice of the external form registry this service reads
type Form struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Name       string `json:"name"`
	OwnerEmail string `json:"owner_email"`
}

func (Form) TableName() string {
	return "forms"
}
