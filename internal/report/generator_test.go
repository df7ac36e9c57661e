package report

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plexwrapped/internal/apperr"
	"plexwrapped/internal/auth"
	"plexwrapped/internal/integrations"
	"plexwrapped/internal/jobs"
)

type fakeSettings struct {
	st  integrations.Setting
	err error
}

func (f fakeSettings) Get(context.Context, integrations.Name) (integrations.Setting, error) {
	return f.st, f.err
}

type fakeUsers map[uint64]auth.User

func (f fakeUsers) Get(_ context.Context, id uint64) (auth.User, error) {
	u, ok := f[id]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

func i64(v int64) *int64   { return &v }
func str(v string) *string { return &v }

func ts(month time.Month, day int) int64 {
	return time.Date(2024, month, day, 20, 0, 0, 0, time.UTC).Unix()
}

// tautulliServer serves get_user and get_history from the given records.
func tautulliServer(t *testing.T, records []HistoryRecord) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		if r.URL.Path != "/api/v2" || q.Get("apikey") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var data any
		switch q.Get("cmd") {
		case "get_user":
			data = TautulliUser{UserID: 7, Username: "alice", FriendlyName: "Alice"}
		case "get_history":
			start, _ := strconv.Atoi(q.Get("start"))
			length, _ := strconv.Atoi(q.Get("length"))
			end := start + length
			if end > len(records) {
				end = len(records)
			}
			page := []HistoryRecord{}
			if start < len(records) {
				page = records[start:end]
			}
			data = map[string]any{"recordsFiltered": len(records), "data": page}
		default:
			_ = gojson.NewEncoder(w).Encode(map[string]any{
				"response": map[string]any{"result": "error", "message": "unknown cmd", "data": nil},
			})
			return
		}
		_ = gojson.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"result": "success", "message": nil, "data": data},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestGenerator(srvURL string, mediaTypes []string) *Generator {
	g := NewGenerator(
		fakeSettings{st: integrations.Setting{
			Name:       integrations.Tautulli,
			URL:        srvURL,
			APIKey:     "key",
			Enabled:    true,
			MediaTypes: pq.StringArray(mediaTypes),
		}},
		fakeUsers{42: {ID: 42, MediaUserID: str("7")}, 43: {ID: 43}},
		1000,
	)
	g.Now = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	return g
}

func TestGenerate(t *testing.T) {
	records := []HistoryRecord{
		{Date: ts(time.March, 1), Duration: i64(7200), MediaType: "movie", Title: "Dune"},
		{Date: ts(time.March, 2), Duration: i64(1800), MediaType: "episode", Title: "Pilot", GrandparentTitle: str("Severance")},
		{Date: ts(time.July, 3), PlayDuration: i64(1500), Duration: i64(1800), MediaType: "episode", Title: "Ep 2", GrandparentTitle: str("Severance")},
		{Date: ts(time.July, 4), Duration: i64(200), MediaType: "track", Title: "Song", GrandparentTitle: str("Band")},
		{Date: time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC).Unix(), Duration: i64(9999), MediaType: "movie", Title: "Old"},
	}
	srv, _ := tautulliServer(t, records)

	out, err := newTestGenerator(srv.URL, []string{"movie", "episode"}).Generate(context.Background(), jobs.Key{SubjectID: "42", Period: "2024"})
	require.NoError(t, err)

	var rep Report
	require.NoError(t, gojson.Unmarshal(out, &rep))
	assert.Equal(t, "42", rep.SubjectID)
	assert.Equal(t, "2024", rep.Period)
	assert.Equal(t, "Alice", rep.User)
	assert.Equal(t, 3, rep.TotalPlays)
	assert.Equal(t, int64(7200+1800+1500), rep.WatchSeconds)
	assert.Equal(t, TypeStats{Plays: 2, Seconds: 3300}, rep.ByMediaType["episode"])
	_, hasTracks := rep.ByMediaType["track"]
	assert.False(t, hasTracks)
	require.Len(t, rep.TopTitles, 2)
	assert.Equal(t, "Dune", rep.TopTitles[0].Title)
	assert.Equal(t, TitleStats{Title: "Severance", MediaType: "episode", Plays: 2, Seconds: 3300}, rep.TopTitles[1])
	assert.Equal(t, "March", rep.BusiestMonth)
}

func TestGenerate_UserFacingFailures(t *testing.T) {
	srv, calls := tautulliServer(t, nil)

	tests := []struct {
		name string
		gen  *Generator
		key  jobs.Key
		msg  string
	}{
		{
			name: "not configured",
			gen:  NewGenerator(fakeSettings{err: integrations.ErrNotFound}, fakeUsers{}, 5),
			key:  jobs.Key{SubjectID: "42", Period: "2024"},
			msg:  "Tautulli is not configured",
		},
		{
			name: "disabled",
			gen:  NewGenerator(fakeSettings{st: integrations.Setting{Enabled: false}}, fakeUsers{}, 5),
			key:  jobs.Key{SubjectID: "42", Period: "2024"},
			msg:  "Tautulli is not configured",
		},
		{
			name: "account not linked",
			gen:  newTestGenerator(srv.URL, nil),
			key:  jobs.Key{SubjectID: "43", Period: "2024"},
			msg:  "Your account is not linked to a Plex user",
		},
		{
			name: "unknown subject",
			gen:  newTestGenerator(srv.URL, nil),
			key:  jobs.Key{SubjectID: "99", Period: "2024"},
			msg:  "Unknown user",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.gen.Generate(context.Background(), tt.key)
			require.Error(t, err)
			assert.Equal(t, apperr.CodeGenerationFailed, apperr.CodeOf(err))
			assert.Equal(t, tt.msg, jobs.FailureMessage(err))
		})
	}
	assert.Zero(t, calls.Load(), "no Tautulli calls for misconfigured generations")
}

func TestGenerate_UpstreamErrorIsNotExposed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "traceback: secret path", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestGenerator(srv.URL, nil).Generate(context.Background(), jobs.Key{SubjectID: "42", Period: "2024"})
	require.Error(t, err)
	assert.Equal(t, jobs.DefaultFailureMessage, jobs.FailureMessage(err))
}

func TestClient_GetHistoryPaginates(t *testing.T) {
	records := make([]HistoryRecord, 0, historyPageSize+250)
	for i := 0; i < historyPageSize+250; i++ {
		records = append(records, HistoryRecord{Date: ts(time.May, 1+i%28), Duration: i64(60), MediaType: "movie", Title: "M"})
	}
	srv, calls := tautulliServer(t, records)

	c := NewClient(srv.URL, "key", nil, nil, nil)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := c.GetHistory(context.Background(), "7", from, from.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Len(t, got, historyPageSize+250)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_APIError(t *testing.T) {
	srv, _ := tautulliServer(t, nil)
	c := NewClient(srv.URL, "key", nil, nil, nil)

	var out map[string]any
	err := c.call(context.Background(), "get_nothing", map[string][]string{}, &out)
	assert.ErrorIs(t, err, ErrAPI)
}

func TestAggregate_EmptyHistory(t *testing.T) {
	rep := Aggregate(nil, nil, 5)
	assert.Zero(t, rep.TotalPlays)
	assert.Empty(t, rep.TopTitles)
	assert.NotNil(t, rep.TopTitles)
	assert.Empty(t, rep.BusiestMonth)
}

func TestAggregate_TopNAndTieBreak(t *testing.T) {
	var h []HistoryRecord
	for _, title := range []string{"C", "B", "A", "D"} {
		h = append(h, HistoryRecord{Date: ts(time.June, 1), Duration: i64(100), MediaType: "movie", Title: title})
	}
	rep := Aggregate(h, nil, 2)
	require.Len(t, rep.TopTitles, 2)
	assert.Equal(t, "A", rep.TopTitles[0].Title)
	assert.Equal(t, "B", rep.TopTitles[1].Title)
}
