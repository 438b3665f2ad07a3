// Package registry resolves the delivery destinations (hooks) configured for a
// form. Hooks are written by the form administration surface; the registry only
// reads them and validates their shape.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marminbh/hook-svc/internal/models"
)

var (
	ErrFormNotFound = errors.New("form not found")
	ErrHookNotFound = errors.New("hook not found")
)

// FormLookup is the external form registry
type FormLookup interface {
	GetForm(ctx context.Context, formID string) (*models.Form, error)
}

type Registry struct {
	db    *gorm.DB
	forms FormLookup
}

func New(db *gorm.DB, forms FormLookup) *Registry {
	return &Registry{db: db, forms: forms}
}

// Resolve returns the active hooks of a form, oldest first. A known form with
// no active hooks yields an empty slice.
func (r *Registry) Resolve(ctx context.Context, formID string) ([]models.Hook, error) {
	if _, err := r.forms.GetForm(ctx, formID); err != nil {
		return nil, err
	}

	var hooks []models.Hook
	err := r.db.WithContext(ctx).
		Where("form_id = ? AND active = ?", formID, true).
		Order("date_created ASC").
		Order("id ASC").
		Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load hooks for form %s: %w", formID, err)
	}
	return hooks, nil
}

// Get loads a hook whether or not it is active
func (r *Registry) Get(ctx context.Context, hookID uuid.UUID) (*models.Hook, error) {
	var hook models.Hook
	err := r.db.WithContext(ctx).Where("id = ?", hookID).First(&hook).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrHookNotFound, hookID)
		}
		return nil, fmt.Errorf("failed to load hook %s: %w", hookID, err)
	}
	return &hook, nil
}

// Form exposes the form lookup to collaborators that need the form owner
func (r *Registry) Form(ctx context.Context, formID string) (*models.Form, error) {
	return r.forms.GetForm(ctx, formID)
}

// Validate checks the configuration rules a hook must satisfy before it is
// saved by the administration surface.
func Validate(hook models.Hook) error {
	var problems []string

	if strings.TrimSpace(hook.FormID) == "" {
		problems = append(problems, "form_id is required")
	}

	endpoint, err := url.Parse(strings.TrimSpace(hook.Endpoint))
	switch {
	case hook.Endpoint == "":
		problems = append(problems, "endpoint is required")
	case err != nil:
		problems = append(problems, "endpoint is not a valid URL")
	case endpoint.Scheme != "http" && endpoint.Scheme != "https":
		problems = append(problems, "endpoint must use http or https")
	case endpoint.Host == "":
		problems = append(problems, "endpoint must be absolute")
	}

	switch hook.AuthMode {
	case models.AuthNone:
	case models.AuthBasic:
		if strings.TrimSpace(hook.AuthUsername) == "" {
			problems = append(problems, "basic auth requires a username")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown auth mode %d", int(hook.AuthMode)))
	}

	if hook.PayloadTemplate != "" && strings.TrimSpace(hook.PayloadTemplate) == "" {
		problems = append(problems, "payload template is blank")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid hook: %s", strings.Join(problems, "; "))
	}
	return nil
}
