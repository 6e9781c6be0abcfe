package queueapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jobswipe/applyd/internal/autoapply"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{BaseURL: srv.URL, AuthToken: "sekret", RequestsPerSecond: 1000, Burst: 1000}, nil)
	require.NoError(t, err)
	return client
}

func TestListPending(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/queue/pending", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("page"))
		require.Equal(t, "20", r.URL.Query().Get("page_size"))
		require.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(listResponse{Items: []autoapply.QueueItem{
			{ID: "job-1", Status: autoapply.JobStatusPending},
			{ID: "job-2", Status: autoapply.JobStatusPending},
		}})
	}))

	items, err := client.ListPending(context.Background(), 2, 20)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "job-1", items[0].ID)
}

func TestClaimAcknowledged(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/queue/job-1/claim", r.URL.Path)
		var req claimRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "device-7", req.DeviceID)
		_ = json.NewEncoder(w).Encode(claimResponse{Claimed: true})
	}))

	ok, err := client.Claim(context.Background(), "job-1", "device-7")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClaimConflictIsNotAnError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "already claimed", http.StatusConflict)
	}))

	ok, err := client.Claim(context.Background(), "job-1", "device-7")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimWithoutAckIsRefused(t *testing.T) {
	t.Parallel()

	// A 200 with claimed=false must not count as a successful claim.
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(claimResponse{Claimed: false})
	}))

	ok, err := client.Claim(context.Background(), "job-1", "device-7")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateProgressAndComplete(t *testing.T) {
	t.Parallel()

	var gotProgress progressRequest
	var gotComplete completeRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/queue/job-9/progress":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotProgress))
		case "/api/v1/queue/job-9/complete":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotComplete))
		default:
			http.NotFound(w, r)
		}
	}))

	ctx := context.Background()
	require.NoError(t, client.UpdateProgress(ctx, "job-9", 50, autoapply.JobStatusProcessing, "filling form"))
	require.Equal(t, 50, gotProgress.Percent)
	require.Equal(t, autoapply.JobStatusProcessing, gotProgress.Status)

	require.NoError(t, client.Complete(ctx, "job-9", autoapply.ProcessingResult{Success: true, ConfirmationID: "ABC123"}))
	require.True(t, gotComplete.Result.Success)
	require.Equal(t, "ABC123", gotComplete.Result.ConfirmationID)
}

func TestServerErrorSurfacesStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := client.ListPending(context.Background(), 1, 10)
	require.Error(t, err)
	var httpErr *StatusError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusInternalServerError, httpErr.Code)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}
