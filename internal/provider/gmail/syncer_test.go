package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/retry"
)

var testToken = &oauth2.Token{AccessToken: "at"}

func newTestSyncer(t *testing.T, handler http.HandlerFunc, opts ...Option) *Syncer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{
		WithRetryPolicy(retry.NoRetry()),
		WithVirtualInboxLabel("Label_virtual"),
		WithClientOptions(option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/")),
	}, opts...)
	return NewSyncer(opts...)
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func TestSyncIncrementalCollapsesHistory(t *testing.T) {
	syncer := newTestSyncer(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/users/me/history"))
		require.Equal(t, "1000", r.URL.Query().Get("startHistoryId"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"history": []map[string]any{
				{"id": "1001", "messagesAdded": []map[string]any{{"message": map[string]any{"id": "m-1", "threadId": "t-1", "labelIds": []string{"INBOX"}, "internalDate": "1767225600000"}}}},
				{"id": "1002", "labelsAdded": []map[string]any{{"message": map[string]any{"id": "m-1", "threadId": "t-1", "labelIds": []string{"INBOX", "Label_virtual"}}, "labelIds": []string{"Label_virtual"}}}},
				{"id": "1003", "messagesDeleted": []map[string]any{{"message": map[string]any{"id": "m-2"}}}},
			},
			"historyId": "1003",
		})
	})

	batch, err := syncer.SyncIncremental(context.Background(), "user-1", testToken, "1000")
	require.NoError(t, err)
	require.Equal(t, "1003", batch.NextCursor)
	require.Len(t, batch.Events, 2)

	require.Equal(t, "m-1", batch.Events[0].ExternalID)
	require.True(t, batch.Events[0].Email.VirtualInbox)
	require.Equal(t, "m-2", batch.Events[1].ExternalID)
	require.True(t, batch.Events[1].Deleted)
}

func TestSyncIncrementalExpiredHistory(t *testing.T) {
	syncer := newTestSyncer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": 404, "message": "Requested entity was not found."}})
	})
	_, err := syncer.SyncIncremental(context.Background(), "user-1", testToken, "12")
	require.ErrorIs(t, err, domain.ErrCursorInvalid)

	_, err = syncer.SyncIncremental(context.Background(), "user-1", testToken, "not-a-number")
	require.ErrorIs(t, err, domain.ErrCursorInvalid)
}

func TestSyncFullReadsProfileThenMessages(t *testing.T) {
	syncer := newTestSyncer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/profile"):
			writeJSON(t, w, http.StatusOK, map[string]any{"emailAddress": "me@example.com", "historyId": "2000"})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			require.Equal(t, defaultFullQuery, r.URL.Query().Get("q"))
			writeJSON(t, w, http.StatusOK, map[string]any{"messages": []map[string]any{{"id": "m-5"}, {"id": "m-6"}}})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/m-5"), strings.HasSuffix(r.URL.Path, "/users/me/messages/m-6"):
			id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			writeJSON(t, w, http.StatusOK, map[string]any{"id": id, "threadId": "t-" + id, "labelIds": []string{"INBOX"}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}, WithMaxMessages(10))

	batch, err := syncer.SyncFull(context.Background(), "user-1", testToken)
	require.NoError(t, err)
	require.Equal(t, "2000", batch.NextCursor)
	require.Len(t, batch.Events, 2)
	require.Equal(t, "t-m-6", batch.Events[1].Email.ThreadID)
	require.False(t, batch.Events[0].Email.VirtualInbox)
}
