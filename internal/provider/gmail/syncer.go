// Package gmail implements the Gmail history-feed strategy.
package gmail

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	ggmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/googleutil"
	"github.com/allan-cais/besunny-ai-sub006/internal/retry"
)

const (
	me                 = "me"
	defaultFullQuery   = "newer_than:30d"
	defaultMaxMessages = 200
)

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

// WithVirtualInboxLabel flags messages carrying labelID as virtual-inbox mail.
func WithVirtualInboxLabel(labelID string) Option {
	return func(s *Syncer) { s.virtualLabel = labelID }
}

// WithMaxMessages bounds how many messages a full sync fetches.
func WithMaxMessages(n int) Option {
	return func(s *Syncer) { s.maxMessages = n }
}

// Syncer follows the mailbox history feed by history ID.
type Syncer struct {
	logger       *zap.Logger
	retry        retry.Policy
	clientOpts   []option.ClientOption
	virtualLabel string
	maxMessages  int
}

var _ provider.Syncer = (*Syncer)(nil)

// NewSyncer constructs a gmail Syncer.
func NewSyncer(opts ...Option) *Syncer {
	s := &Syncer{
		logger:      zap.NewNop(),
		retry:       retry.DefaultPolicy(),
		maxMessages: defaultMaxMessages,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) Service() domain.ServiceType { return domain.ServiceGmail }

func (s *Syncer) service(ctx context.Context, token *oauth2.Token) (*ggmail.Service, error) {
	svc, err := ggmail.NewService(ctx, googleutil.ClientOptions(token, s.clientOpts)...)
	if err != nil {
		return nil, errors.Wrap(err, "gmail: new service")
	}
	return svc, nil
}

// SyncIncremental lists mailbox history since the stored history ID.
func (s *Syncer) SyncIncremental(ctx context.Context, _ string, token *oauth2.Token, cursor string) (provider.Batch, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil || start == 0 {
		return provider.Batch{}, errors.Wrapf(domain.ErrCursorInvalid, "gmail: history id %q", cursor)
	}
	svc, err := s.service(ctx, token)
	if err != nil {
		return provider.Batch{}, err
	}

	collected := newCollector()
	latest := start
	pageToken := ""
	for {
		call := svc.Users.History.List(me).StartHistoryId(start).HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved")
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var resp *ggmail.ListHistoryResponse
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			out, err := call.Context(ctx).Do()
			if err != nil {
				return googleutil.Classify(err, "gmail.history.list", true)
			}
			resp = out
			return nil
		}, retry.WithLogger(s.logger), retry.WithName("gmail.history.list"))
		if err != nil {
			return provider.Batch{}, err
		}

		for _, h := range resp.History {
			if h == nil {
				continue
			}
			for _, added := range h.MessagesAdded {
				if added != nil && added.Message != nil {
					collected.upsert(s.messageEvent(added.Message))
				}
			}
			for _, labelled := range h.LabelsAdded {
				if labelled != nil && labelled.Message != nil {
					collected.upsert(s.messageEvent(labelled.Message))
				}
			}
			for _, unlabelled := range h.LabelsRemoved {
				if unlabelled != nil && unlabelled.Message != nil {
					collected.upsert(s.messageEvent(unlabelled.Message))
				}
			}
			for _, deleted := range h.MessagesDeleted {
				if deleted != nil && deleted.Message != nil && deleted.Message.Id != "" {
					collected.upsert(domain.ExternalEvent{Kind: domain.KindEmailMessage, ExternalID: deleted.Message.Id, Deleted: true})
				}
			}
		}
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return provider.Batch{Events: collected.events(), NextCursor: strconv.FormatUint(latest, 10)}, nil
}

// SyncFull reads the profile history ID first, then fetches recent messages.
func (s *Syncer) SyncFull(ctx context.Context, _ string, token *oauth2.Token) (provider.Batch, error) {
	svc, err := s.service(ctx, token)
	if err != nil {
		return provider.Batch{}, err
	}

	var historyID uint64
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		profile, err := svc.Users.GetProfile(me).Context(ctx).Do()
		if err != nil {
			return googleutil.Classify(err, "gmail.users.profile", false)
		}
		historyID = profile.HistoryId
		return nil
	}, retry.WithLogger(s.logger), retry.WithName("gmail.users.profile"))
	if err != nil {
		return provider.Batch{}, err
	}

	ids, err := s.listMessageIDs(ctx, svc)
	if err != nil {
		return provider.Batch{}, err
	}

	collected := newCollector()
	for _, id := range ids {
		var msg *ggmail.Message
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			out, err := svc.Users.Messages.Get(me, id).Format("minimal").Context(ctx).Do()
			if err != nil {
				return googleutil.Classify(err, "gmail.messages.get", false)
			}
			msg = out
			return nil
		}, retry.WithLogger(s.logger), retry.WithName("gmail.messages.get"))
		if err != nil {
			return provider.Batch{}, err
		}
		collected.upsert(s.messageEvent(msg))
	}
	return provider.Batch{Events: collected.events(), NextCursor: strconv.FormatUint(historyID, 10)}, nil
}

func (s *Syncer) listMessageIDs(ctx context.Context, svc *ggmail.Service) ([]string, error) {
	var ids []string
	pageToken := ""
	for len(ids) < s.maxMessages {
		call := svc.Users.Messages.List(me).Q(defaultFullQuery).MaxResults(int64(s.maxMessages - len(ids)))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var resp *ggmail.ListMessagesResponse
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			out, err := call.Context(ctx).Do()
			if err != nil {
				return googleutil.Classify(err, "gmail.messages.list", false)
			}
			resp = out
			return nil
		}, retry.WithLogger(s.logger), retry.WithName("gmail.messages.list"))
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			if m != nil && m.Id != "" {
				ids = append(ids, m.Id)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}

func (s *Syncer) messageEvent(msg *ggmail.Message) domain.ExternalEvent {
	payload := &domain.EmailMessagePayload{
		ThreadID: msg.ThreadId,
		Labels:   append([]string(nil), msg.LabelIds...),
	}
	if msg.InternalDate > 0 {
		payload.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if s.virtualLabel != "" {
		for _, label := range msg.LabelIds {
			if label == s.virtualLabel {
				payload.VirtualInbox = true
			}
		}
	}
	return domain.ExternalEvent{
		Kind:       domain.KindEmailMessage,
		ExternalID: msg.Id,
		Deleted:    hasLabel(msg.LabelIds, "TRASH"),
		Email:      payload,
	}
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// collector keeps the latest event per message in first-seen order.
type collector struct {
	index map[string]int
	list  []domain.ExternalEvent
}

func newCollector() *collector {
	return &collector{index: make(map[string]int)}
}

func (c *collector) upsert(evt domain.ExternalEvent) {
	if evt.ExternalID == "" {
		return
	}
	if i, ok := c.index[evt.ExternalID]; ok {
		c.list[i] = evt
		return
	}
	c.index[evt.ExternalID] = len(c.list)
	c.list = append(c.list, evt)
}

func (c *collector) events() []domain.ExternalEvent {
	return c.list
}
