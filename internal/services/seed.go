package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

// SeedFile is the YAML document accepted by LoadSeed. Accounts and tasks are
// normally managed by an external CRUD layer; the seed file bootstraps a
// standalone deployment.
type SeedFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
	Tasks    []SeedTask    `yaml:"tasks"`
}

// SeedAccount mirrors domain.Account.
type SeedAccount struct {
	ID                 string `yaml:"id"`
	Platform           string `yaml:"platform"`
	Name               string `yaml:"name"`
	Status             string `yaml:"status"`
	ExternalID         string `yaml:"externalId"`
	AccessToken        string `yaml:"accessToken"`
	RefreshToken       string `yaml:"refreshToken"`
	Provider           string `yaml:"provider"`
	ApplyToAllAccounts bool   `yaml:"applyToAllAccounts"`
	WebhookSecret      string `yaml:"webhookSecret"`
}

// SeedTask mirrors domain.AutomationTask.
type SeedTask struct {
	ID                  string   `yaml:"id"`
	Name                string   `yaml:"name"`
	Status              string   `yaml:"status"`
	Sources             []string `yaml:"sources"`
	Targets             []string `yaml:"targets"`
	PublishDelaySeconds int      `yaml:"publishDelaySeconds"`
	Filters             struct {
		Include      []string `yaml:"include"`
		Exclude      []string `yaml:"exclude"`
		RequireMedia bool     `yaml:"requireMedia"`
	} `yaml:"filters"`
	Transform struct {
		Prepend  string   `yaml:"prepend"`
		Append   string   `yaml:"append"`
		Hashtags []string `yaml:"hashtags"`
	} `yaml:"transform"`
	Destinations map[string]struct {
		TextOnlyFallback *bool `yaml:"textOnlyFallback"`
		Disabled         bool  `yaml:"disabled"`
	} `yaml:"destinations"`
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(raw []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, a := range f.Accounts {
		if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Platform) == "" {
			return nil, fmt.Errorf("seed: account #%d needs id and platform", i+1)
		}
	}
	for i, t := range f.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("seed: task #%d needs an id", i+1)
		}
		if len(t.Sources) == 0 || len(t.Targets) == 0 {
			return nil, fmt.Errorf("seed: task %s needs sources and targets", t.ID)
		}
		if t.PublishDelaySeconds < 0 {
			return nil, fmt.Errorf("seed: task %s has a negative publish delay", t.ID)
		}
	}
	return &f, nil
}

// LoadSeed reads path and upserts its accounts and tasks. Task counters of
// existing tasks are preserved.
func LoadSeed(ctx context.Context, db *gorm.DB, path string) (accounts, tasks int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read seed: %w", err)
	}
	f, err := ParseSeed(raw)
	if err != nil {
		return 0, 0, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range f.Accounts {
			acc := a.toDomain()
			if err := repo.UpsertAccount(ctx, tx, &acc); err != nil {
				return fmt.Errorf("seed account %s: %w", a.ID, err)
			}
			accounts++
		}
		for _, t := range f.Tasks {
			task := t.toDomain()
			if err := repo.UpsertTask(ctx, tx, &task); err != nil {
				return fmt.Errorf("seed task %s: %w", t.ID, err)
			}
			tasks++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return accounts, tasks, nil
}

func (a SeedAccount) toDomain() domain.Account {
	status := a.Status
	if status == "" {
		status = domain.AccountActive
	}
	return domain.Account{
		ID:                 a.ID,
		Platform:           strings.ToLower(a.Platform),
		Name:               a.Name,
		Status:             status,
		ExternalID:         a.ExternalID,
		AccessToken:        a.AccessToken,
		RefreshToken:       a.RefreshToken,
		Provider:           a.Provider,
		ApplyToAllAccounts: a.ApplyToAllAccounts,
		WebhookSecret:      a.WebhookSecret,
	}
}

func (t SeedTask) toDomain() domain.AutomationTask {
	status := t.Status
	if status == "" {
		status = domain.TaskActive
	}
	flags := map[string]domain.DestinationFlags{}
	for id, d := range t.Destinations {
		flags[id] = domain.DestinationFlags{TextOnlyFallback: d.TextOnlyFallback, Disabled: d.Disabled}
	}
	return domain.AutomationTask{
		ID:             t.ID,
		Name:           t.Name,
		Status:         status,
		SourceAccounts: datatypes.JSONSlice[string](t.Sources),
		TargetAccounts: datatypes.JSONSlice[string](t.Targets),
		Filters: datatypes.NewJSONType(domain.TaskFilters{
			IncludeKeywords: t.Filters.Include,
			ExcludeKeywords: t.Filters.Exclude,
			RequireMedia:    t.Filters.RequireMedia,
		}),
		Transform: datatypes.NewJSONType(domain.TaskTransform{
			Prepend:  t.Transform.Prepend,
			Append:   t.Transform.Append,
			Hashtags: t.Transform.Hashtags,
		}),
		DestinationFlags:    datatypes.NewJSONType(flags),
		PublishDelaySeconds: t.PublishDelaySeconds,
	}
}
