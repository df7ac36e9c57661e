package integrations

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Name identifies an external service the dashboard talks to.
type Name string

const (
	Radarr    Name = "radarr"
	Sonarr    Name = "sonarr"
	Overseerr Name = "overseerr"
	Tautulli  Name = "tautulli"
)

func Names() []Name { return []Name{Radarr, Sonarr, Overseerr, Tautulli} }

func (n Name) Valid() bool {
	switch n {
	case Radarr, Sonarr, Overseerr, Tautulli:
		return true
	}
	return false
}

// Setting is the stored configuration of one integration. APIKey never leaves
// the server; use View for responses.
type Setting struct {
	Name    Name   `gorm:"primaryKey;type:varchar(32)"`
	URL     string `gorm:"type:text;not null"`
	APIKey  string `gorm:"type:text;not null"`
	Enabled bool   `gorm:"not null"`

	// MediaTypes limits which plays count towards reports (Tautulli only).
	MediaTypes pq.StringArray `gorm:"type:text"`
	Options    datatypes.JSON `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// View is the public shape of a Setting.
type View struct {
	Name       Name           `json:"name"`
	URL        string         `json:"url"`
	HasAPIKey  bool           `json:"has_api_key"`
	Enabled    bool           `json:"enabled"`
	MediaTypes []string       `json:"media_types"`
	Options    datatypes.JSON `json:"options"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (s Setting) View() View {
	mt := []string(s.MediaTypes)
	if mt == nil {
		mt = []string{}
	}
	return View{
		Name:       s.Name,
		URL:        s.URL,
		HasAPIKey:  s.APIKey != "",
		Enabled:    s.Enabled,
		MediaTypes: mt,
		Options:    s.Options,
		UpdatedAt:  s.UpdatedAt,
	}
}
