// Package settings stores per-user dashboard preferences.
package settings

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/apierrors"
	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/internal/store"
)

var (
	themes    = []string{"light", "dark", "system"}
	languages = []string{"en", "es", "fr", "de", "ja"}
	channels  = []string{"email", "sms", "push", "in_app"}
	fontSizes = []string{"small", "medium", "large"}
	contrasts = []string{"normal", "high"}
	layouts   = []string{"compact", "comfortable", "spacious"}
)

// NotificationsPatch sets the non-nil notification fields.
type NotificationsPatch struct {
	Channels  *[]string `json:"channels"`
	Alerts    *bool     `json:"alerts"`
	Updates   *bool     `json:"updates"`
	Marketing *bool     `json:"marketing"`
}

// Patch sets the non-nil preference fields. AI settings are managed by the
// insights endpoints and are not patchable here.
type Patch struct {
	Theme         *string             `json:"theme"`
	Language      *string             `json:"language"`
	Notifications *NotificationsPatch `json:"notifications"`
	Timezone      *string             `json:"timezone"`
	FontSize      *string             `json:"fontSize"`
	Contrast      *string             `json:"contrast"`
	Layout        *string             `json:"layout"`
	ReducedMotion *bool               `json:"reducedMotion"`
	ScreenReader  *bool               `json:"screenReader"`
}

// Service reads and updates preferences.
type Service struct {
	store store.Preferences
	log   *logrus.Logger
	now   func() time.Time
}

// New creates a Service.
func New(st store.Preferences, log *logrus.Logger) *Service {
	return &Service{store: st, log: log, now: time.Now}
}

// Get returns the user's preferences, or the defaults when none are stored.
func (s *Service) Get(ctx context.Context, userID string) (*models.Preferences, error) {
	p, err := s.store.GetPreferences(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		d := models.DefaultPreferences(userID)
		return &d, nil
	}
	if err != nil {
		return nil, apierrors.Internal("Failed to fetch preferences", err)
	}
	return p, nil
}

func oneOf(field, v string, allowed []string) error {
	if slices.Contains(allowed, v) {
		return nil
	}
	return apierrors.Validation(fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

func (p Patch) validate() error {
	checks := []struct {
		field   string
		v       *string
		allowed []string
	}{
		{"theme", p.Theme, themes},
		{"language", p.Language, languages},
		{"fontSize", p.FontSize, fontSizes},
		{"contrast", p.Contrast, contrasts},
		{"layout", p.Layout, layouts},
	}
	for _, c := range checks {
		if c.v == nil {
			continue
		}
		if err := oneOf(c.field, *c.v, c.allowed); err != nil {
			return err
		}
	}
	if p.Timezone != nil {
		if _, err := time.LoadLocation(*p.Timezone); err != nil || *p.Timezone == "" {
			return apierrors.Validation("timezone must be an IANA zone name")
		}
	}
	if p.Notifications != nil && p.Notifications.Channels != nil {
		for _, ch := range *p.Notifications.Channels {
			if err := oneOf("notifications.channels", ch, channels); err != nil {
				return err
			}
		}
	}
	return nil
}

// Update applies patch to the user's preferences, creating them from the
// defaults if needed.
func (s *Service) Update(ctx context.Context, userID string, patch Patch) (*models.Preferences, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	p, err := s.store.GetPreferences(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d := models.DefaultPreferences(userID)
		d.CreatedAt = now
		p = &d
	case err != nil:
		return nil, apierrors.Internal("Failed to update preferences", err)
	}

	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.Theme, patch.Theme)
	set(&p.Language, patch.Language)
	set(&p.Timezone, patch.Timezone)
	set(&p.FontSize, patch.FontSize)
	set(&p.Contrast, patch.Contrast)
	set(&p.Layout, patch.Layout)
	if patch.ReducedMotion != nil {
		p.ReducedMotion = *patch.ReducedMotion
	}
	if patch.ScreenReader != nil {
		p.ScreenReader = *patch.ScreenReader
	}
	if n := patch.Notifications; n != nil {
		if n.Channels != nil {
			chs := slices.Clone(*n.Channels)
			slices.Sort(chs)
			p.Notifications.Channels = slices.Compact(chs)
		}
		if n.Alerts != nil {
			p.Notifications.Alerts = *n.Alerts
		}
		if n.Updates != nil {
			p.Notifications.Updates = *n.Updates
		}
		if n.Marketing != nil {
			p.Notifications.Marketing = *n.Marketing
		}
	}
	p.UpdatedAt = now

	if err := s.store.SavePreferences(ctx, p); err != nil {
		return nil, apierrors.Internal("Failed to update preferences", err)
	}
	s.log.WithField("user_id", userID).Debug("Preferences updated")
	return p, nil
}
