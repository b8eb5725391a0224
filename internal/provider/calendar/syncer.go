// Package calendar implements the Google Calendar sync strategy.
package calendar

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/googleutil"
	"github.com/allan-cais/besunny-ai-sub006/internal/retry"
)

const (
	defaultCalendarID = "primary"
	defaultLookback   = 30 * 24 * time.Hour
	pageSize          = 250
)

var meetingURLPattern = regexp.MustCompile(`https://(?:meet\.google\.com/[a-z0-9-]+|[a-z0-9.-]*zoom\.us/[^\s"<>]+|teams\.microsoft\.com/l/meetup-join/[^\s"<>]+|teams\.live\.com/meet/[^\s"<>]+)`)

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Syncer) { s.logger = logger }
}

// WithRetryPolicy overrides the retry policy for API calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Syncer) { s.retry = p }
}

// WithClientOptions appends Google client options to every service client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *Syncer) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithCalendarID selects the calendar to sync.
func WithCalendarID(id string) Option {
	return func(s *Syncer) { s.calendarID = id }
}

// WithClock overrides the time source used for the full-sync window.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// Syncer lists calendar events with sync tokens.
type Syncer struct {
	calendarID string
	lookback   time.Duration
	logger     *zap.Logger
	retry      retry.Policy
	clientOpts []option.ClientOption
	now        func() time.Time
}

var (
	_ provider.Syncer  = (*Syncer)(nil)
	_ provider.Watcher = (*Syncer)(nil)
)

// NewSyncer constructs a calendar Syncer.
func NewSyncer(opts ...Option) *Syncer {
	s := &Syncer{
		calendarID: defaultCalendarID,
		lookback:   defaultLookback,
		logger:     zap.NewNop(),
		retry:      retry.DefaultPolicy(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Service implements provider.Syncer.
func (s *Syncer) Service() domain.ServiceType { return domain.ServiceCalendar }

// SyncIncremental implements provider.Syncer.
func (s *Syncer) SyncIncremental(ctx context.Context, _ string, token *oauth2.Token, cursor string) (provider.Batch, error) {
	if cursor == "" {
		return provider.Batch{}, errors.Wrap(domain.ErrCursorInvalid, "calendar: empty sync token")
	}
	return s.list(ctx, token, func(call *gcal.EventsListCall) *gcal.EventsListCall {
		return call.SyncToken(cursor).ShowDeleted(true)
	})
}

// SyncFull implements provider.Syncer. It covers events from the lookback
// window onwards.
func (s *Syncer) SyncFull(ctx context.Context, _ string, token *oauth2.Token) (provider.Batch, error) {
	timeMin := s.now().Add(-s.lookback).UTC().Format(time.RFC3339)
	return s.list(ctx, token, func(call *gcal.EventsListCall) *gcal.EventsListCall {
		return call.TimeMin(timeMin)
	})
}

func (s *Syncer) list(ctx context.Context, token *oauth2.Token, shape func(*gcal.EventsListCall) *gcal.EventsListCall) (provider.Batch, error) {
	svc, err := gcal.NewService(ctx, googleutil.ClientOptions(token, s.clientOpts)...)
	if err != nil {
		return provider.Batch{}, errors.Wrap(err, "calendar: new service")
	}

	var batch provider.Batch
	pageToken := ""
	for {
		call := shape(svc.Events.List(s.calendarID).SingleEvents(true).MaxResults(pageSize))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var resp *gcal.Events
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			out, err := call.Context(ctx).Do()
			if err != nil {
				return googleutil.Classify(err, "calendar.events.list", true)
			}
			resp = out
			return nil
		}, retry.WithLogger(s.logger), retry.WithName("calendar.events.list"))
		if err != nil {
			return provider.Batch{}, err
		}

		for _, item := range resp.Items {
			if item == nil || item.Id == "" {
				continue
			}
			batch.Events = append(batch.Events, toExternalEvent(item))
		}
		if resp.NextPageToken == "" {
			batch.NextCursor = resp.NextSyncToken
			break
		}
		pageToken = resp.NextPageToken
	}
	s.logger.Debug("calendar events listed", zap.Int("events", len(batch.Events)))
	return batch, nil
}

// Watch implements provider.Watcher.
func (s *Syncer) Watch(ctx context.Context, token *oauth2.Token, req provider.WatchRequest) (provider.Channel, error) {
	svc, err := gcal.NewService(ctx, googleutil.ClientOptions(token, s.clientOpts)...)
	if err != nil {
		return provider.Channel{}, errors.Wrap(err, "calendar: new service")
	}
	channel := &gcal.Channel{
		Id:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
	}
	if req.TTL > 0 {
		channel.Params = map[string]string{"ttl": ttlSeconds(req.TTL)}
	}
	var out *gcal.Channel
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		resp, err := svc.Events.Watch(s.calendarID, channel).Context(ctx).Do()
		if err != nil {
			return googleutil.Classify(err, "calendar.events.watch", false)
		}
		out = resp
		return nil
	}, retry.WithLogger(s.logger), retry.WithName("calendar.events.watch"))
	if err != nil {
		return provider.Channel{}, err
	}
	return provider.Channel{
		ChannelID:          out.Id,
		ExternalResourceID: out.ResourceId,
		Expiration:         googleutil.Expiration(out.Expiration),
		ResumptionToken:    req.Cursor,
	}, nil
}

// Stop implements provider.Watcher.
func (s *Syncer) Stop(ctx context.Context, token *oauth2.Token, ch provider.Channel) error {
	svc, err := gcal.NewService(ctx, googleutil.ClientOptions(token, s.clientOpts)...)
	if err != nil {
		return errors.Wrap(err, "calendar: new service")
	}
	err = svc.Channels.Stop(&gcal.Channel{Id: ch.ChannelID, ResourceId: ch.ExternalResourceID}).Context(ctx).Do()
	return googleutil.Classify(err, "calendar.channels.stop", false)
}

func toExternalEvent(item *gcal.Event) domain.ExternalEvent {
	payload := &domain.CalendarEventPayload{
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
		MeetingURL:  MeetingURL(item),
	}
	if item.Start != nil {
		payload.Start, payload.AllDay = eventTime(item.Start)
	}
	if item.End != nil {
		payload.End, _ = eventTime(item.End)
	}
	for _, attendee := range item.Attendees {
		if attendee != nil && attendee.Self {
			payload.SelfResponse = attendee.ResponseStatus
		}
	}
	if updated, err := time.Parse(time.RFC3339, item.Updated); err == nil {
		payload.Updated = updated
	}
	return domain.ExternalEvent{
		Kind:       domain.KindCalendarEvent,
		ExternalID: item.Id,
		Deleted:    item.Status == domain.CalendarStatusCancelled,
		Calendar:   payload,
	}
}

func eventTime(t *gcal.EventDateTime) (*time.Time, bool) {
	if t.DateTime != "" {
		if parsed, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
			return &parsed, false
		}
	}
	if t.Date != "" {
		if parsed, err := time.Parse("2006-01-02", t.Date); err == nil {
			return &parsed, true
		}
		return nil, true
	}
	return nil, false
}

// MeetingURL extracts a joinable video meeting link from an event.
func MeetingURL(item *gcal.Event) string {
	if item.HangoutLink != "" {
		return item.HangoutLink
	}
	if item.ConferenceData != nil {
		for _, entry := range item.ConferenceData.EntryPoints {
			if entry != nil && entry.EntryPointType == "video" && entry.Uri != "" {
				return entry.Uri
			}
		}
	}
	for _, text := range []string{item.Location, item.Description} {
		if match := meetingURLPattern.FindString(text); match != "" {
			return strings.TrimRight(match, ".,;)")
		}
	}
	return ""
}

func ttlSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
