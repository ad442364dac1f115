package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/resource-allocator/internal/matching"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/scheduler"
)

// Catalog seeds the service at start-up.
type Catalog struct {
	Weights    *matching.Weights `yaml:"weights"`
	Resources  []ResourceSpec    `yaml:"resources"`
	Principals []PrincipalSpec   `yaml:"principals"`
}

// ResourceSpec is the YAML form of a resource.
type ResourceSpec struct {
	ID           string          `yaml:"id"`
	Name         string          `yaml:"name"`
	Kind         string          `yaml:"kind"`
	Owner        string          `yaml:"owner"`
	Capacity     int             `yaml:"capacity"`
	Capabilities map[string]int  `yaml:"capabilities"`
	TimeZone     string          `yaml:"time_zone"`
	Availability []HoursSpec     `yaml:"availability"`
	Blackouts    []PeriodSpec    `yaml:"blackouts"`
	Constraints  ConstraintsSpec `yaml:"constraints"`
	Inactive     bool            `yaml:"inactive"`
}

// HoursSpec opens the listed days between Start and End ("HH:MM").
type HoursSpec struct {
	Days  []string `yaml:"days"`
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
}

// PeriodSpec is a blackout range.
type PeriodSpec struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// ConstraintsSpec mirrors persistence.BookingConstraints.
type ConstraintsSpec struct {
	MinDuration      time.Duration `yaml:"min_duration"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	LeadTime         time.Duration `yaml:"lead_time"`
	RequiresApproval bool          `yaml:"requires_approval"`
}

// PrincipalSpec is an API caller. TokenHash is the bcrypt or argon2id hash of
// the secret part of its token.
type PrincipalSpec struct {
	ID        string   `yaml:"id"`
	Roles     []string `yaml:"roles"`
	TokenHash string   `yaml:"token_hash"`
}

// LoadCatalog reads and validates the catalog at path.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("カタログファイルを読み込めません: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes YAML, rejecting unknown fields.
func ParseCatalog(data []byte) (Catalog, error) {
	var catalog Catalog
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&catalog); err != nil {
		return Catalog{}, fmt.Errorf("カタログの形式が不正です: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

// Validate checks identifiers, kinds, clocks and weights.
func (c Catalog) Validate() error {
	var problems []string
	if c.Weights != nil {
		w := *c.Weights
		for _, v := range []float64{w.Capability, w.Availability, w.Workload, w.Affinity, w.Preference} {
			if v < 0 {
				problems = append(problems, "weights: 負の重みは指定できません")
				break
			}
		}
	}

	seen := make(map[string]struct{}, len(c.Resources))
	for i, spec := range c.Resources {
		label := fmt.Sprintf("resources[%d]", i)
		if strings.TrimSpace(spec.ID) == "" {
			problems = append(problems, label+".id: 必須です")
		} else if _, ok := seen[spec.ID]; ok {
			problems = append(problems, label+".id: 重複しています: "+spec.ID)
		}
		seen[spec.ID] = struct{}{}
		if _, err := spec.Resource(time.Time{}, nil); err != nil {
			problems = append(problems, label+": "+err.Error())
		}
	}

	principals := make(map[string]struct{}, len(c.Principals))
	for i, spec := range c.Principals {
		label := fmt.Sprintf("principals[%d]", i)
		if strings.TrimSpace(spec.ID) == "" || strings.Contains(spec.ID, ".") {
			problems = append(problems, label+".id: 空文字や「.」を含むIDは使用できません")
		} else if _, ok := principals[spec.ID]; ok {
			problems = append(problems, label+".id: 重複しています: "+spec.ID)
		}
		principals[spec.ID] = struct{}{}
		if !strings.HasPrefix(spec.TokenHash, "$2") && !strings.HasPrefix(spec.TokenHash, "$argon2id$") {
			problems = append(problems, label+".token_hash: bcrypt または argon2id のハッシュを指定してください")
		}
		for _, role := range spec.Roles {
			switch role {
			case "requester", "approver", "admin":
			default:
				problems = append(problems, label+".roles: 不明なロールです: "+role)
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("カタログの内容が不正です: %s", strings.Join(problems, "; "))
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts English day names and three-letter abbreviations.
func ParseWeekday(value string) (time.Weekday, error) {
	day, ok := weekdays[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return 0, fmt.Errorf("曜日が不正です: %q", value)
	}
	return day, nil
}

// Resource converts the catalog entry. defaultLoc supplies the time zone name when the
// entry leaves it empty.
func (spec ResourceSpec) Resource(now time.Time, defaultLoc *time.Location) (persistence.Resource, error) {
	kind := persistence.ResourceKind(spec.Kind)
	switch kind {
	case "":
		kind = persistence.ResourceKindAsset
	case persistence.ResourceKindPerson, persistence.ResourceKindAsset:
	default:
		return persistence.Resource{}, fmt.Errorf("kind が不正です: %q", spec.Kind)
	}
	capacity := spec.Capacity
	if capacity == 0 {
		capacity = 1
	}
	if capacity < 0 {
		return persistence.Resource{}, errors.New("capacity は1以上で指定してください")
	}
	for tag, level := range spec.Capabilities {
		if level < 1 || level > matching.MaxLevel {
			return persistence.Resource{}, fmt.Errorf("capabilities.%s: レベルは1から%dで指定してください", tag, matching.MaxLevel)
		}
	}
	zone := spec.TimeZone
	if zone == "" && defaultLoc != nil {
		zone = defaultLoc.String()
	}
	if zone != "" {
		if _, err := time.LoadLocation(zone); err != nil {
			return persistence.Resource{}, fmt.Errorf("time_zone が不正です: %q", zone)
		}
	}

	var availability []persistence.AvailabilityWindow
	for _, hours := range spec.Availability {
		start, err := scheduler.ParseClock(hours.Start)
		if err != nil {
			return persistence.Resource{}, fmt.Errorf("availability.start: %w", err)
		}
		end, err := scheduler.ParseClock(hours.End)
		if err != nil {
			return persistence.Resource{}, fmt.Errorf("availability.end: %w", err)
		}
		if start >= end {
			return persistence.Resource{}, fmt.Errorf("availability: %s-%s は開始が終了より前である必要があります", hours.Start, hours.End)
		}
		for _, name := range hours.Days {
			day, err := ParseWeekday(name)
			if err != nil {
				return persistence.Resource{}, err
			}
			availability = append(availability, persistence.AvailabilityWindow{
				Weekday: day,
				Start:   scheduler.FormatClock(start),
				End:     scheduler.FormatClock(end),
			})
		}
	}

	blackouts := make([]persistence.Period, 0, len(spec.Blackouts))
	for _, period := range spec.Blackouts {
		if !period.Start.Before(period.End) {
			return persistence.Resource{}, errors.New("blackouts: 開始は終了より前である必要があります")
		}
		blackouts = append(blackouts, persistence.Period{Start: period.Start.UTC(), End: period.End.UTC()})
	}

	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return persistence.Resource{
		ID:           spec.ID,
		Name:         name,
		Kind:         kind,
		OwnerID:      spec.Owner,
		Capacity:     capacity,
		Capabilities: spec.Capabilities,
		Availability: availability,
		TimeZone:     zone,
		Blackouts:    blackouts,
		Constraints: persistence.BookingConstraints{
			MinDuration:      spec.Constraints.MinDuration,
			MaxDuration:      spec.Constraints.MaxDuration,
			LeadTime:         spec.Constraints.LeadTime,
			RequiresApproval: spec.Constraints.RequiresApproval,
		},
		Active:    !spec.Inactive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
