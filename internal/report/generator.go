// Package report builds a subject's yearly Wrapped report from Tautulli play history.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"plexwrapped/internal/apperr"
	"plexwrapped/internal/auth"
	"plexwrapped/internal/integrations"
	"plexwrapped/internal/jobs"
)

const defaultTopN = 5

type settingsGetter interface {
	Get(ctx context.Context, name integrations.Name) (integrations.Setting, error)
}

type userGetter interface {
	Get(ctx context.Context, id uint64) (auth.User, error)
}

// Report is the stored result of a completed generation.
type Report struct {
	SubjectID    string               `json:"subjectId"`
	Period       string               `json:"period"`
	User         string               `json:"user"`
	TotalPlays   int                  `json:"totalPlays"`
	WatchSeconds int64                `json:"watchSeconds"`
	ByMediaType  map[string]TypeStats `json:"byMediaType"`
	TopTitles    []TitleStats         `json:"topTitles"`
	BusiestMonth string               `json:"busiestMonth,omitempty"`
	GeneratedAt  time.Time            `json:"generatedAt"`
}

type TypeStats struct {
	Plays   int   `json:"plays"`
	Seconds int64 `json:"seconds"`
}

type TitleStats struct {
	Title     string `json:"title"`
	MediaType string `json:"mediaType"`
	Plays     int    `json:"plays"`
	Seconds   int64  `json:"seconds"`
}

// Generator implements jobs.Generator on top of the Tautulli integration.
type Generator struct {
	settings settingsGetter
	users    userGetter
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[[]byte]

	TopN int
	Now  func() time.Time
}

var _ jobs.Generator = (*Generator)(nil)

// NewGenerator throttles Tautulli calls to ratePerSec across all generations.
func NewGenerator(settings settingsGetter, users userGetter, ratePerSec float64) *Generator {
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Generator{
		settings: settings,
		users:    users,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
		breaker:  NewBreaker(),
		TopN:     defaultTopN,
		Now:      time.Now,
	}
}

func userError(msg string) error {
	return apperr.New(apperr.CodeGenerationFailed, msg)
}

func (g *Generator) Generate(ctx context.Context, key jobs.Key) (json.RawMessage, error) {
	st, err := g.settings.Get(ctx, integrations.Tautulli)
	if errors.Is(err, integrations.ErrNotFound) || (err == nil && !st.Enabled) {
		return nil, userError("Tautulli is not configured")
	}
	if err != nil {
		return nil, err
	}

	uid, err := strconv.ParseUint(key.SubjectID, 10, 64)
	if err != nil {
		return nil, userError("Unknown user")
	}
	u, err := g.users.Get(ctx, uid)
	if errors.Is(err, auth.ErrUserNotFound) {
		return nil, userError("Unknown user")
	}
	if err != nil {
		return nil, err
	}
	if u.MediaUserID == nil || *u.MediaUserID == "" {
		return nil, userError("Your account is not linked to a Plex user")
	}

	year, err := strconv.Atoi(key.Period)
	if err != nil {
		return nil, userError("Invalid period")
	}
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)

	client := NewClient(st.URL, st.APIKey, g.http, g.limiter, g.breaker)

	var (
		tu      TautulliUser
		history []HistoryRecord
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		tu, err = client.GetUser(egCtx, *u.MediaUserID)
		return err
	})
	eg.Go(func() error {
		var err error
		history, err = client.GetHistory(egCtx, *u.MediaUserID, from, to)
		return err
	})
	if err := eg.Wait(); err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, apperr.Wrap(err, apperr.CodeGenerationFailed, "Tautulli is unavailable, try again later")
		}
		return nil, err
	}

	rep := Aggregate(history, []string(st.MediaTypes), g.TopN)
	rep.SubjectID = key.SubjectID
	rep.Period = key.Period
	rep.User = tu.Name()
	rep.GeneratedAt = g.Now().UTC()

	b, err := gojson.Marshal(rep)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// Aggregate folds plays into a report. An empty mediaTypes keeps every play.
func Aggregate(history []HistoryRecord, mediaTypes []string, topN int) Report {
	allowed := map[string]bool{}
	for _, t := range mediaTypes {
		allowed[t] = true
	}

	rep := Report{ByMediaType: map[string]TypeStats{}, TopTitles: []TitleStats{}}
	titles := map[string]*TitleStats{}
	months := map[time.Month]int64{}

	for _, r := range history {
		if len(allowed) > 0 && !allowed[r.MediaType] {
			continue
		}
		secs := r.Seconds()

		rep.TotalPlays++
		rep.WatchSeconds += secs

		ts := rep.ByMediaType[r.MediaType]
		ts.Plays++
		ts.Seconds += secs
		rep.ByMediaType[r.MediaType] = ts

		name := titleOf(r)
		t, ok := titles[r.MediaType+"\x00"+name]
		if !ok {
			t = &TitleStats{Title: name, MediaType: r.MediaType}
			titles[r.MediaType+"\x00"+name] = t
		}
		t.Plays++
		t.Seconds += secs

		months[time.Unix(r.Date, 0).UTC().Month()] += secs
	}

	for _, t := range titles {
		rep.TopTitles = append(rep.TopTitles, *t)
	}
	sort.Slice(rep.TopTitles, func(i, j int) bool {
		a, b := rep.TopTitles[i], rep.TopTitles[j]
		if a.Seconds != b.Seconds {
			return a.Seconds > b.Seconds
		}
		if a.Plays != b.Plays {
			return a.Plays > b.Plays
		}
		return a.Title < b.Title
	})
	if topN > 0 && len(rep.TopTitles) > topN {
		rep.TopTitles = rep.TopTitles[:topN]
	}

	var best int64
	for m := time.January; m <= time.December; m++ {
		if months[m] > best {
			best = months[m]
			rep.BusiestMonth = m.String()
		}
	}
	return rep
}

// titleOf groups episodes by show and tracks by artist.
func titleOf(r HistoryRecord) string {
	if (r.MediaType == "episode" || r.MediaType == "track") && r.GrandparentTitle != nil && *r.GrandparentTitle != "" {
		return *r.GrandparentTitle
	}
	if r.Title != "" {
		return r.Title
	}
	return r.FullTitle
}
