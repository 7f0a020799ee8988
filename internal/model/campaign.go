// internal/model/campaign.go
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
)

// Limits bounds what a campaign may ask for. MaxMessageLength is the
// transport's per-message limit in characters.
type Limits struct {
	MaxMessageLength int
	MaxRetries       int
}

// DefaultLimits match the direct-message limits of the remote service.
var DefaultLimits = Limits{
	MaxMessageLength: 10000,
	MaxRetries:       10,
}

const maxDurationMillis = math.MaxInt64 / int64(time.Millisecond)

// Duration decodes either a Go duration string ("1.5s") or an integer number
// of milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*d = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %w", err)
	}
	if ms > maxDurationMillis || ms < -maxDurationMillis {
		return fmt.Errorf("duration of %d milliseconds is out of range", ms)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

type PacingSpec struct {
	MinInterval Duration `json:"min_interval"`
	Jitter      Duration `json:"jitter"`
}

// CampaignSpec is the untrusted wire form of a campaign.
type CampaignSpec struct {
	CampaignID      string     `json:"campaign_id"`
	Targets         []string   `json:"targets"`
	MessageTemplate string     `json:"message_template"`
	Pacing          PacingSpec `json:"pacing"`
	MaxRetries      int        `json:"max_retries"`
}

type Pacing struct {
	MinInterval time.Duration
	Jitter      time.Duration
}

// Campaign is a validated, immutable outreach campaign. Build one with
// CampaignFromSpec or CampaignFromJSON.
type Campaign struct {
	id         string
	targets    []string
	message    string
	pacing     Pacing
	maxRetries int
}

func (c *Campaign) ID() string              { return c.id }
func (c *Campaign) MessageTemplate() string { return c.message }
func (c *Campaign) Pacing() Pacing          { return c.pacing }
func (c *Campaign) MaxRetries() int         { return c.maxRetries }
func (c *Campaign) TargetCount() int        { return len(c.targets) }

// Targets returns a copy of the ordered target list.
func (c *Campaign) Targets() []string {
	return append([]string(nil), c.targets...)
}

// Spec converts the campaign back to its wire form.
func (c *Campaign) Spec() CampaignSpec {
	return CampaignSpec{
		CampaignID:      c.id,
		Targets:         c.Targets(),
		MessageTemplate: c.message,
		Pacing: PacingSpec{
			MinInterval: Duration(c.pacing.MinInterval),
			Jitter:      Duration(c.pacing.Jitter),
		},
		MaxRetries: c.maxRetries,
	}
}

// CampaignFromJSON decodes and validates an untrusted campaign payload.
func CampaignFromJSON(raw []byte, limits Limits) (*Campaign, error) {
	// Pacing is decoded separately so a bad duration names its field.
	var wire struct {
		CampaignSpec
		Pacing struct {
			MinInterval json.RawMessage `json:"min_interval"`
			Jitter      json.RawMessage `json:"jitter"`
		} `json:"pacing"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, appErrors.NewValidation("campaign", err.Error())
	}
	spec := wire.CampaignSpec
	if err := spec.Pacing.MinInterval.UnmarshalJSON(wire.Pacing.MinInterval); err != nil {
		return nil, appErrors.NewValidation("pacing.min_interval", err.Error())
	}
	if err := spec.Pacing.Jitter.UnmarshalJSON(wire.Pacing.Jitter); err != nil {
		return nil, appErrors.NewValidation("pacing.jitter", err.Error())
	}
	return CampaignFromSpec(spec, limits)
}

// CampaignFromSpec validates spec and returns an immutable campaign. On
// failure it returns a *appErrors.ValidationError naming the first bad field
// and no campaign. Duplicate targets are dropped, keeping the first
// occurrence.
func CampaignFromSpec(spec CampaignSpec, limits Limits) (*Campaign, error) {
	if limits.MaxMessageLength <= 0 {
		limits.MaxMessageLength = DefaultLimits.MaxMessageLength
	}
	if limits.MaxRetries <= 0 {
		limits.MaxRetries = DefaultLimits.MaxRetries
	}

	id := strings.TrimSpace(spec.CampaignID)
	if id == "" {
		return nil, appErrors.NewValidation("campaign_id", "must not be empty")
	}

	if len(spec.Targets) == 0 {
		return nil, appErrors.NewValidation("targets", "must not be empty")
	}
	seen := make(map[string]bool, len(spec.Targets))
	targets := make([]string, 0, len(spec.Targets))
	for i, t := range spec.Targets {
		t = strings.TrimSpace(t)
		if t == "" || t == "@" {
			return nil, appErrors.NewValidation("targets", fmt.Sprintf("target %d is empty", i))
		}
		key := t
		if strings.HasPrefix(t, "@") {
			// Handles resolve case-insensitively.
			key = strings.ToLower(t)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, t)
	}

	if strings.TrimSpace(spec.MessageTemplate) == "" {
		return nil, appErrors.NewValidation("message_template", "must not be empty")
	}
	if n := utf8.RuneCountInString(spec.MessageTemplate); n > limits.MaxMessageLength {
		return nil, appErrors.NewValidation("message_template",
			fmt.Sprintf("%d characters exceeds limit of %d", n, limits.MaxMessageLength))
	}

	if spec.Pacing.MinInterval < 0 {
		return nil, appErrors.NewValidation("pacing.min_interval", "must not be negative")
	}
	if spec.Pacing.Jitter < 0 {
		return nil, appErrors.NewValidation("pacing.jitter", "must not be negative")
	}
	if spec.MaxRetries < 0 {
		return nil, appErrors.NewValidation("max_retries", "must not be negative")
	}
	if spec.MaxRetries > limits.MaxRetries {
		return nil, appErrors.NewValidation("max_retries",
			fmt.Sprintf("must be at most %d", limits.MaxRetries))
	}

	return &Campaign{
		id:      id,
		targets: targets,
		message: spec.MessageTemplate,
		pacing: Pacing{
			MinInterval: time.Duration(spec.Pacing.MinInterval),
			Jitter:      time.Duration(spec.Pacing.Jitter),
		},
		maxRetries: spec.MaxRetries,
	}, nil
}
