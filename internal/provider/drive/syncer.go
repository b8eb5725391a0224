// Package drive implements the Google Drive changes-feed strategy.
package drive

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/googleutil"
	"github.com/allan-cais/besunny-ai-sub006/internal/retry"
)

const (
	changeFields = "nextPageToken,newStartPageToken,changes(fileId,removed,file(id,name,mimeType,trashed,modifiedTime,webViewLink))"
	fileFields   = "nextPageToken,files(id,name,mimeType,trashed,modifiedTime,webViewLink)"
	pageSize     = 100
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

// WithClock overrides the time source used for channel expirations.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// Syncer follows the Drive changes feed by page token.
type Syncer struct {
	logger     *zap.Logger
	retry      retry.Policy
	clientOpts []option.ClientOption
	now        func() time.Time
}

var (
	_ provider.Syncer  = (*Syncer)(nil)
	_ provider.Watcher = (*Syncer)(nil)
)

// NewSyncer constructs a drive Syncer.
func NewSyncer(opts ...Option) *Syncer {
	s := &Syncer{logger: zap.NewNop(), retry: retry.DefaultPolicy(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) Service() domain.ServiceType { return domain.ServiceDrive }

func (s *Syncer) service(ctx context.Context, token *oauth2.Token) (*gdrive.Service, error) {
	svc, err := gdrive.NewService(ctx, googleutil.ClientOptions(token, s.clientOpts)...)
	if err != nil {
		return nil, errors.Wrap(err, "drive: new service")
	}
	return svc, nil
}

// SyncIncremental lists changes from the stored page token.
func (s *Syncer) SyncIncremental(ctx context.Context, _ string, token *oauth2.Token, cursor string) (provider.Batch, error) {
	if cursor == "" {
		return provider.Batch{}, errors.Wrap(domain.ErrCursorInvalid, "drive: empty page token")
	}
	svc, err := s.service(ctx, token)
	if err != nil {
		return provider.Batch{}, err
	}

	var batch provider.Batch
	pageToken := cursor
	for {
		call := svc.Changes.List(pageToken).IncludeRemoved(true).PageSize(pageSize).Fields(changeFields)
		var resp *gdrive.ChangeList
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			out, err := call.Context(ctx).Do()
			if err != nil {
				return googleutil.Classify(err, "drive.changes.list", true)
			}
			resp = out
			return nil
		}, retry.WithLogger(s.logger), retry.WithName("drive.changes.list"))
		if err != nil {
			return provider.Batch{}, err
		}

		for _, change := range resp.Changes {
			if change == nil || change.FileId == "" {
				continue
			}
			batch.Events = append(batch.Events, changeEvent(change))
		}
		if resp.NewStartPageToken != "" {
			batch.NextCursor = resp.NewStartPageToken
			break
		}
		if resp.NextPageToken == "" {
			batch.NextCursor = pageToken
			break
		}
		pageToken = resp.NextPageToken
	}
	return batch, nil
}

// SyncFull takes a start page token, then lists every non-trashed file.
// Changes racing the listing are picked up by the next incremental sync.
func (s *Syncer) SyncFull(ctx context.Context, _ string, token *oauth2.Token) (provider.Batch, error) {
	svc, err := s.service(ctx, token)
	if err != nil {
		return provider.Batch{}, err
	}
	start, err := s.startPageToken(ctx, svc)
	if err != nil {
		return provider.Batch{}, err
	}

	batch := provider.Batch{NextCursor: start}
	pageToken := ""
	for {
		call := svc.Files.List().Q("trashed=false").PageSize(pageSize).Fields(fileFields)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var resp *gdrive.FileList
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			out, err := call.Context(ctx).Do()
			if err != nil {
				return googleutil.Classify(err, "drive.files.list", false)
			}
			resp = out
			return nil
		}, retry.WithLogger(s.logger), retry.WithName("drive.files.list"))
		if err != nil {
			return provider.Batch{}, err
		}
		for _, file := range resp.Files {
			if file == nil || file.Id == "" {
				continue
			}
			batch.Events = append(batch.Events, fileEvent(file.Id, file))
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return batch, nil
}

func (s *Syncer) startPageToken(ctx context.Context, svc *gdrive.Service) (string, error) {
	var token string
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		resp, err := svc.Changes.GetStartPageToken().Context(ctx).Do()
		if err != nil {
			return googleutil.Classify(err, "drive.changes.start_token", false)
		}
		token = resp.StartPageToken
		return nil
	}, retry.WithLogger(s.logger), retry.WithName("drive.changes.start_token"))
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errors.New("drive: missing start page token")
	}
	return token, nil
}

// Watch registers a changes-feed channel from req.Cursor, or from a fresh
// start token when no cursor is known.
func (s *Syncer) Watch(ctx context.Context, token *oauth2.Token, req provider.WatchRequest) (provider.Channel, error) {
	svc, err := s.service(ctx, token)
	if err != nil {
		return provider.Channel{}, err
	}
	pageToken := req.Cursor
	if pageToken == "" {
		if pageToken, err = s.startPageToken(ctx, svc); err != nil {
			return provider.Channel{}, err
		}
	}
	channel := &gdrive.Channel{Id: req.ChannelID, Type: "web_hook", Address: req.Address, Token: req.Token}
	if req.TTL > 0 {
		channel.Expiration = s.now().Add(req.TTL).UnixMilli()
	}

	var out *gdrive.Channel
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		resp, err := svc.Changes.Watch(pageToken, channel).Context(ctx).Do()
		if err != nil {
			return googleutil.Classify(err, "drive.changes.watch", false)
		}
		out = resp
		return nil
	}, retry.WithLogger(s.logger), retry.WithName("drive.changes.watch"))
	if err != nil {
		return provider.Channel{}, err
	}
	return provider.Channel{
		ChannelID:          out.Id,
		ExternalResourceID: out.ResourceId,
		Expiration:         googleutil.Expiration(out.Expiration),
		ResumptionToken:    pageToken,
	}, nil
}

// Stop closes a changes-feed channel.
func (s *Syncer) Stop(ctx context.Context, token *oauth2.Token, ch provider.Channel) error {
	svc, err := s.service(ctx, token)
	if err != nil {
		return err
	}
	err = svc.Channels.Stop(&gdrive.Channel{Id: ch.ChannelID, ResourceId: ch.ExternalResourceID}).Context(ctx).Do()
	return googleutil.Classify(err, "drive.channels.stop", false)
}

func changeEvent(change *gdrive.Change) domain.ExternalEvent {
	if change.Removed || change.File == nil {
		return domain.ExternalEvent{Kind: domain.KindDriveChange, ExternalID: change.FileId, Deleted: true}
	}
	return fileEvent(change.FileId, change.File)
}

func fileEvent(id string, file *gdrive.File) domain.ExternalEvent {
	payload := &domain.DriveChangePayload{
		Name:        file.Name,
		MimeType:    file.MimeType,
		WebViewLink: file.WebViewLink,
		Trashed:     file.Trashed,
	}
	if modified, err := time.Parse(time.RFC3339, file.ModifiedTime); err == nil {
		payload.ModifiedTime = modified
	}
	return domain.ExternalEvent{
		Kind:       domain.KindDriveChange,
		ExternalID: id,
		Deleted:    file.Trashed,
		Drive:      payload,
	}
}
