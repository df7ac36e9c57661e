package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound       = errors.New("integration not configured")
	ErrUnknownService = errors.New("unknown integration")
	ErrInvalidSetting = errors.New("invalid integration setting")
)

type Service struct {
	DB *gorm.DB
}

// UpsertInput carries the writable fields. A nil APIKey keeps the stored key.
type UpsertInput struct {
	URL        string
	APIKey     *string
	Enabled    bool
	MediaTypes []string
	Options    datatypes.JSON
}

func (s *Service) List(ctx context.Context) ([]Setting, error) {
	var out []Setting
	if err := s.DB.WithContext(ctx).Order("name asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, name Name) (Setting, error) {
	if !name.Valid() {
		return Setting{}, ErrUnknownService
	}
	var st Setting
	if err := s.DB.WithContext(ctx).Where("name = ?", name).Take(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Setting{}, ErrNotFound
		}
		return Setting{}, err
	}
	return st, nil
}

// Upsert creates or replaces the setting for name.
func (s *Service) Upsert(ctx context.Context, name Name, in UpsertInput) (Setting, error) {
	if !name.Valid() {
		return Setting{}, ErrUnknownService
	}
	u, err := normalizeURL(in.URL)
	if err != nil {
		return Setting{}, err
	}
	opts := in.Options
	if len(opts) == 0 {
		opts = datatypes.JSON("{}")
	}

	var out Setting
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Setting
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", name).
			Take(&cur).Error
		exists := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		out = Setting{
			Name:       name,
			URL:        u,
			APIKey:     cur.APIKey,
			Enabled:    in.Enabled,
			MediaTypes: pq.StringArray(NormalizeMediaTypes(in.MediaTypes)),
			Options:    opts,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if in.APIKey != nil {
			out.APIKey = strings.TrimSpace(*in.APIKey)
		}
		if out.Enabled && out.APIKey == "" {
			return fmt.Errorf("%w: api key is required to enable %s", ErrInvalidSetting, name)
		}

		if !exists {
			return tx.Create(&out).Error
		}
		out.CreatedAt = cur.CreatedAt
		return tx.Model(&Setting{}).
			Where("name = ?", name).
			Updates(map[string]any{
				"url":         out.URL,
				"api_key":     out.APIKey,
				"enabled":     out.Enabled,
				"media_types": out.MediaTypes,
				"options":     out.Options,
				"updated_at":  out.UpdatedAt,
			}).Error
	})
	if err != nil {
		return Setting{}, err
	}
	return out, nil
}

func (s *Service) Delete(ctx context.Context, name Name) error {
	if !name.Valid() {
		return ErrUnknownService
	}
	res := s.DB.WithContext(ctx).Where("name = ?", name).Delete(&Setting{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidSetting)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
