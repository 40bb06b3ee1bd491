// internal/model/settings.go
package model

import (
	"fmt"
	"time"
)

// AntiBanSettings is the per-campaign throttling policy. It is captured at
// creation time and immutable for the life of the campaign. Delay fields are
// whole seconds to match the wire format of the campaign API.
type AntiBanSettings struct {
	UsePersonalization    bool `json:"use_personalization"`
	RandomDelay           bool `json:"random_delay"`
	MinDelaySecs          int  `json:"min_delay"`
	MaxDelaySecs          int  `json:"max_delay"`
	UsePresence           bool `json:"use_presence"`
	BatchSize             int  `json:"batch_size"`
	BatchDelaySecs        int  `json:"batch_delay"`
	MaxPerHour            int  `json:"max_per_hour"`
	DailyLimit            int  `json:"daily_limit"`
	SkipRecentlyContacted bool `json:"skip_recently_contacted"`
	RespectQuietHours     bool `json:"respect_quiet_hours"`

	// Policy values the client UI treats as fixed; kept configurable here so a
	// campaign can override them explicitly.
	QuietHoursStart    int `json:"quiet_hours_start"`
	QuietHoursEnd      int `json:"quiet_hours_end"`
	RecentContactHours int `json:"recent_contact_hours"`
}

// DefaultSettings mirrors the stock campaign template defaults.
func DefaultSettings() AntiBanSettings {
	return AntiBanSettings{
		UsePersonalization:    true,
		RandomDelay:           true,
		MinDelaySecs:          3,
		MaxDelaySecs:          10,
		UsePresence:           true,
		BatchSize:             10,
		BatchDelaySecs:        5,
		MaxPerHour:            50,
		DailyLimit:            200,
		SkipRecentlyContacted: false,
		RespectQuietHours:     false,
		QuietHoursStart:       22,
		QuietHoursEnd:         8,
		RecentContactHours:    6,
	}
}

// Validate rejects out-of-range values at creation time, not at send time.
func (s AntiBanSettings) Validate() error {
	if s.MinDelaySecs < 0 || s.MaxDelaySecs < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if s.RandomDelay && s.MinDelaySecs > s.MaxDelaySecs {
		return fmt.Errorf("min_delay %d exceeds max_delay %d", s.MinDelaySecs, s.MaxDelaySecs)
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if s.BatchDelaySecs < 0 {
		return fmt.Errorf("batch_delay must not be negative")
	}
	if s.MaxPerHour < 1 {
		return fmt.Errorf("max_per_hour must be at least 1")
	}
	if s.DailyLimit < 1 {
		return fmt.Errorf("daily_limit must be at least 1")
	}
	if s.MaxPerHour > s.DailyLimit {
		return fmt.Errorf("max_per_hour %d exceeds daily_limit %d", s.MaxPerHour, s.DailyLimit)
	}
	if s.QuietHoursStart < 0 || s.QuietHoursStart > 23 || s.QuietHoursEnd < 0 || s.QuietHoursEnd > 23 {
		return fmt.Errorf("quiet hours must be within 0-23")
	}
	if s.RespectQuietHours && s.QuietHoursStart == s.QuietHoursEnd {
		return fmt.Errorf("quiet hours window must not cover the whole day")
	}
	if s.RecentContactHours < 0 {
		return fmt.Errorf("recent_contact_hours must not be negative")
	}
	return nil
}

func (s AntiBanSettings) MinDelay() time.Duration {
	return time.Duration(s.MinDelaySecs) * time.Second
}

func (s AntiBanSettings) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelaySecs) * time.Second
}

func (s AntiBanSettings) BatchDelay() time.Duration {
	return time.Duration(s.BatchDelaySecs) * time.Second
}

func (s AntiBanSettings) RecentContactWindow() time.Duration {
	return time.Duration(s.RecentContactHours) * time.Hour
}
