package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetpress/sheetpress/fields"
)

// blobServer is an in-memory signed-URL blob store: the issuer mints
// plain URLs into it, PUT stores, GET serves.
type blobServer struct {
	mu    sync.Mutex
	blobs map[string][]byte
	srv   *httptest.Server
}

func newBlobServer(t *testing.T) *blobServer {
	t.Helper()
	b := &blobServer{blobs: map[string][]byte{}}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			b.mu.Lock()
			b.blobs[name] = data
			b.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			b.mu.Lock()
			data, ok := b.blobs[name]
			b.mu.Unlock()
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *blobServer) put(name string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[name] = data
}

func (b *blobServer) get(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[name]
	return data, ok
}

func (b *blobServer) IssueUpload(_ context.Context, name string) (string, error) {
	return b.srv.URL + "/" + name, nil
}

func (b *blobServer) IssueDownload(_ context.Context, name string) (string, error) {
	return b.srv.URL + "/" + name, nil
}

// jobServer simulates the publishing service: it records submissions,
// writes the configured artifact once enough polls have happened, and
// then reports the configured terminal state.
type jobServer struct {
	mu           sync.Mutex
	submitted    []submitRequest
	pollCount    int
	pollsToDone  int
	finalState   State
	finalMessage string
	cost         float64
	artifact     []byte
	blobs        *blobServer
	srv          *httptest.Server
}

func newJobServer(t *testing.T, blobs *blobServer) *jobServer {
	t.Helper()
	j := &jobServer{pollsToDone: 1, finalState: StateComplete, blobs: blobs}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		j.mu.Lock()
		j.submitted = append(j.submitted, req)
		j.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		j.mu.Lock()
		j.pollCount++
		done := j.pollCount >= j.pollsToDone
		state := StatePolling
		if done {
			state = j.finalState
			if state == StateComplete && j.artifact != nil && len(j.submitted) > 0 {
				name := strings.TrimPrefix(j.submitted[0].ArtifactURL, j.blobs.srv.URL+"/")
				j.blobs.put(name, j.artifact)
			}
		}
		status := jobStatus{State: string(state), Message: j.finalMessage, Cost: j.cost}
		j.mu.Unlock()
		json.NewEncoder(w).Encode(status)
	})
	j.srv = httptest.NewServer(mux)
	t.Cleanup(j.srv.Close)
	return j
}

func testClient(t *testing.T, jobs *jobServer, blobs *blobServer, maxPolls int) *Client {
	t.Helper()
	return New(Options{
		BaseURL:      jobs.srv.URL,
		Issuer:       blobs,
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     maxPolls,
	})
}

func bridgeFields() fields.Map {
	return fields.Resolve([]fields.Def{
		{Name: "NAME", Type: "text"},
		{Name: "WATTAGE", Type: "number"},
	}, map[string]any{"NAME": "Ada", "WATTAGE": 13.0})
}

func TestRenderHappyPath(t *testing.T) {
	blobs := newBlobServer(t)
	jobs := newJobServer(t, blobs)
	jobs.pollsToDone = 2
	jobs.cost = 1.5
	jobs.artifact = []byte("%PDF-1.7 fake")

	assets := fields.AssetMap{
		"PHOTO": {Slot: "PHOTO", Data: []byte{1, 2, 3}, Format: "png"},
		"GONE":  {Slot: "GONE", Absent: true},
	}
	client := testClient(t, jobs, blobs, 10)

	out, info, err := client.Render(context.Background(),
		"label {{NAME}} wattage {{WATTAGE}}W", bridgeFields(), assets, "pdf")
	require.NoError(t, err)

	assert.Equal(t, []byte("%PDF-1.7 fake"), out)
	assert.Equal(t, StateComplete, info.State)
	assert.Equal(t, 2, info.Attempts)
	assert.Equal(t, 1.5, info.Cost)
	assert.NotEmpty(t, info.JobID)

	require.Len(t, jobs.submitted, 1)
	sub := jobs.submitted[0]
	assert.Equal(t, info.JobID, sub.ID)

	// The prepared package is staged in the blob store, with the tokens
	// already substituted, and the job carries its read URL.
	assert.NotEmpty(t, sub.PackageURL)
	pkg, ok := blobs.get("jobs/" + info.JobID + "/package")
	require.True(t, ok)
	assert.Equal(t, "label Ada wattage 13W", string(pkg))

	// Present assets are staged; absent ones are not.
	require.Contains(t, sub.Assets, "PHOTO")
	assert.NotContains(t, sub.Assets, "GONE")
	staged, ok := blobs.get("jobs/" + info.JobID + "/assets/PHOTO.png")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, staged)
}

func TestRenderPollTimeout(t *testing.T) {
	blobs := newBlobServer(t)
	jobs := newJobServer(t, blobs)
	jobs.pollsToDone = 1000 // never terminal within the budget

	client := testClient(t, jobs, blobs, 3)
	_, info, err := client.Render(context.Background(), "x", nil, nil, "pdf")

	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, StateTimedOut, info.State)
	assert.Equal(t, 3, info.Attempts, "polling stops at the attempt bound")
}

func TestRenderContextCancellation(t *testing.T) {
	blobs := newBlobServer(t)
	jobs := newJobServer(t, blobs)
	jobs.pollsToDone = 1000

	client := New(Options{
		BaseURL:      jobs.srv.URL,
		Issuer:       blobs,
		PollInterval: time.Hour, // only cancellation can end the wait
		MaxPolls:     10,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, info, err := client.Render(ctx, "x", nil, nil, "pdf")
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, StateTimedOut, info.State)
}

func TestRenderRemoteFailure(t *testing.T) {
	blobs := newBlobServer(t)
	jobs := newJobServer(t, blobs)
	jobs.finalState = StateFailed
	jobs.finalMessage = "font not licensed"

	client := testClient(t, jobs, blobs, 5)
	_, info, err := client.Render(context.Background(), "x", nil, nil, "pdf")

	require.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "font not licensed")
	assert.Equal(t, StateFailed, info.State)
}

func TestRenderRejectsBadArtifact(t *testing.T) {
	blobs := newBlobServer(t)
	jobs := newJobServer(t, blobs)
	jobs.artifact = []byte("this is not a pdf")

	client := testClient(t, jobs, blobs, 5)
	_, info, err := client.Render(context.Background(), "x", nil, nil, "pdf")

	require.ErrorIs(t, err, ErrArtifactInvalid)
	assert.Equal(t, StateFailed, info.State)
}

func TestRenderSubmitRejected(t *testing.T) {
	blobs := newBlobServer(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	t.Cleanup(srv.Close)

	client := New(Options{BaseURL: srv.URL, Issuer: blobs, PollInterval: time.Millisecond, MaxPolls: 2})
	_, info, err := client.Render(context.Background(), "x", nil, nil, "pdf")

	require.ErrorIs(t, err, ErrSubmit)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, StateFailed, info.State)
}

func TestVerifyMagic(t *testing.T) {
	assert.NoError(t, verifyMagic([]byte("%PDF-1.4 ..."), "pdf"))
	assert.NoError(t, verifyMagic([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0}, "png"))
	assert.Error(t, verifyMagic([]byte("%PD"), "pdf"), "truncated header")
	assert.Error(t, verifyMagic([]byte("%PDF-1.4"), "png"), "wrong format")
	assert.Error(t, verifyMagic([]byte("%PDF-1.4"), "svg"), "unknown kind")
}
