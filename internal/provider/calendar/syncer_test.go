package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
	"github.com/allan-cais/besunny-ai-sub006/internal/retry"
)

var testToken = &oauth2.Token{AccessToken: "at"}

func newTestSyncer(t *testing.T, handler http.HandlerFunc) *Syncer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return NewSyncer(
		WithClock(func() time.Time { return now }),
		WithRetryPolicy(retry.NoRetry()),
		WithClientOptions(option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/")),
	)
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func TestSyncIncrementalFollowsPages(t *testing.T) {
	syncer := newTestSyncer(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/calendars/primary/events"))
		q := r.URL.Query()
		require.Equal(t, "sync-1", q.Get("syncToken"))
		require.Equal(t, "true", q.Get("showDeleted"))
		require.Empty(t, q.Get("timeMin"))

		if q.Get("pageToken") == "" {
			writeJSON(t, w, http.StatusOK, map[string]any{
				"items": []map[string]any{{
					"id":          "evt-1",
					"status":      "confirmed",
					"summary":     "Standup",
					"hangoutLink": "https://meet.google.com/abc-defg-hij",
					"start":       map[string]any{"dateTime": "2026-02-02T10:00:00Z"},
					"end":         map[string]any{"dateTime": "2026-02-02T10:15:00Z"},
				}},
				"nextPageToken": "page-2",
			})
			return
		}
		require.Equal(t, "page-2", q.Get("pageToken"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"items":         []map[string]any{{"id": "evt-2", "status": "cancelled"}},
			"nextSyncToken": "sync-2",
		})
	})

	batch, err := syncer.SyncIncremental(context.Background(), "user-1", testToken, "sync-1")
	require.NoError(t, err)
	require.Equal(t, "sync-2", batch.NextCursor)
	require.Len(t, batch.Events, 2)

	first := batch.Events[0]
	require.Equal(t, domain.KindCalendarEvent, first.Kind)
	require.Equal(t, "evt-1", first.ExternalID)
	require.False(t, first.Deleted)
	require.Equal(t, "https://meet.google.com/abc-defg-hij", first.Calendar.MeetingURL)
	require.Equal(t, time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC), first.Calendar.Start.UTC())

	require.True(t, batch.Events[1].Deleted)
}

func TestSyncIncrementalGoneIsCursorInvalid(t *testing.T) {
	syncer := newTestSyncer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusGone, map[string]any{
			"error": map[string]any{"code": 410, "message": "Sync token is no longer valid"},
		})
	})

	_, err := syncer.SyncIncremental(context.Background(), "user-1", testToken, "stale")
	require.ErrorIs(t, err, domain.ErrCursorInvalid)

	_, err = syncer.SyncIncremental(context.Background(), "user-1", testToken, "")
	require.ErrorIs(t, err, domain.ErrCursorInvalid)
}

func TestSyncIncrementalServerErrorIsTransient(t *testing.T) {
	syncer := newTestSyncer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusServiceUnavailable, map[string]any{
			"error": map[string]any{"code": 503, "message": "backend"},
		})
	})
	_, err := syncer.SyncIncremental(context.Background(), "user-1", testToken, "sync-1")
	require.True(t, domain.IsTransient(err))
}

func TestSyncFullUsesLookbackWindow(t *testing.T) {
	syncer := newTestSyncer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Empty(t, q.Get("syncToken"))
		require.Equal(t, "2026-01-02T00:00:00Z", q.Get("timeMin"))
		require.Equal(t, "true", q.Get("singleEvents"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"items": []map[string]any{{
				"id":      "evt-allday",
				"status":  "confirmed",
				"summary": "Offsite",
				"start":   map[string]any{"date": "2026-02-03"},
				"end":     map[string]any{"date": "2026-02-04"},
			}},
			"nextSyncToken": "fresh",
		})
	})

	batch, err := syncer.SyncFull(context.Background(), "user-1", testToken)
	require.NoError(t, err)
	require.Equal(t, "fresh", batch.NextCursor)
	require.True(t, batch.Events[0].Calendar.AllDay)
}

func TestWatchAndStop(t *testing.T) {
	var stopped bool
	syncer := newTestSyncer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/events/watch"):
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "chan-1", body["id"])
			require.Equal(t, "web_hook", body["type"])
			writeJSON(t, w, http.StatusOK, map[string]any{
				"id":         "chan-1",
				"resourceId": "res-1",
				"expiration": "1767225600000",
			})
		case strings.HasSuffix(r.URL.Path, "/channels/stop"):
			stopped = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	ch, err := syncer.Watch(context.Background(), testToken, provider.WatchRequest{ChannelID: "chan-1", Address: "https://hooks.example.com/webhooks/google/calendar", TTL: 7 * 24 * time.Hour})
	require.NoError(t, err)
	require.Equal(t, "res-1", ch.ExternalResourceID)
	require.Equal(t, time.UnixMilli(1767225600000).UTC(), ch.Expiration)

	require.NoError(t, syncer.Stop(context.Background(), testToken, ch))
	require.True(t, stopped)
}

func TestMeetingURL(t *testing.T) {
	cases := []struct {
		name  string
		event *gcal.Event
		want  string
	}{
		{"hangout", &gcal.Event{HangoutLink: "https://meet.google.com/aaa-bbbb-ccc"}, "https://meet.google.com/aaa-bbbb-ccc"},
		{"conference", &gcal.Event{ConferenceData: &gcal.ConferenceData{EntryPoints: []*gcal.EntryPoint{
			{EntryPointType: "phone", Uri: "tel:+1"},
			{EntryPointType: "video", Uri: "https://acme.zoom.us/j/123"},
		}}}, "https://acme.zoom.us/j/123"},
		{"location", &gcal.Event{Location: "Join: https://teams.microsoft.com/l/meetup-join/19%3ameeting."}, "https://teams.microsoft.com/l/meetup-join/19%3ameeting"},
		{"description", &gcal.Event{Description: "see https://us02web.zoom.us/j/987?pwd=x for details"}, "https://us02web.zoom.us/j/987?pwd=x"},
		{"none", &gcal.Event{Location: "Room 4"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, MeetingURL(tc.event))
		})
	}
}

func TestSelfResponseMapped(t *testing.T) {
	evt := toExternalEvent(&gcal.Event{
		Id:     "evt-3",
		Status: "confirmed",
		Attendees: []*gcal.EventAttendee{
			{Email: "other@example.com", ResponseStatus: "accepted"},
			{Email: "me@example.com", Self: true, ResponseStatus: "declined"},
		},
	})
	require.Equal(t, domain.ResponseDeclined, evt.Calendar.SelfResponse)
	require.Nil(t, evt.Calendar.Start)
}
