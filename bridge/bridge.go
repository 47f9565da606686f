// Package bridge drives renders on the remote desktop-publishing service.
// A publishing template is a script skeleton for that service; the bridge
// substitutes field values, stages the prepared package and assets behind
// signed URLs, submits the job, polls it to a terminal state and fetches
// the verified artifact.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sheetpress/sheetpress/fields"
	"github.com/sheetpress/sheetpress/placeholder"
)

// State is the lifecycle position of one bridge run.
type State string

const (
	StatePreparing State = "PREPARING"
	StateSubmitted State = "SUBMITTED"
	StatePolling   State = "POLLING"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
)

// Sentinel errors callers classify runs by. A run that ends in any of
// them is terminal; the bridge never retries on its own.
var (
	ErrSubmit          = errors.New("bridge: submission rejected")
	ErrJobFailed       = errors.New("bridge: remote job failed")
	ErrPollTimeout     = errors.New("bridge: job did not reach a terminal state in time")
	ErrArtifactInvalid = errors.New("bridge: artifact failed verification")
)

// SignedURLIssuer mints pre-signed blob URLs for staging job inputs and
// retrieving the finished artifact. Implementations wrap whatever object
// store backs the remote service.
type SignedURLIssuer interface {
	IssueUpload(ctx context.Context, name string) (string, error)
	IssueDownload(ctx context.Context, name string) (string, error)
}

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxPolls     = 30
	maxErrorBody        = 4 << 10
	maxArtifactSize     = 64 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	HTTPClient   *http.Client
	Issuer       SignedURLIssuer
	PollInterval time.Duration
	MaxPolls     int
	Logger       *zap.Logger
}

// Client talks to the remote desktop-publishing service.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	issuer       SignedURLIssuer
	pollInterval time.Duration
	maxPolls     int
	logger       *zap.Logger
}

// New creates a Client. Issuer is required; the zero poll settings fall
// back to 30 polls at 2 second intervals.
func New(opts Options) *Client {
	c := &Client{
		baseURL:      opts.BaseURL,
		httpClient:   opts.HTTPClient,
		issuer:       opts.Issuer,
		pollInterval: opts.PollInterval,
		maxPolls:     opts.MaxPolls,
		logger:       opts.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.maxPolls <= 0 {
		c.maxPolls = defaultMaxPolls
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// RunInfo describes a finished (or abandoned) run.
type RunInfo struct {
	JobID    string
	State    State
	Attempts int     // status polls performed
	Cost     float64 // remote-reported cost units, 0 when not reported
}

type submitRequest struct {
	ID string `json:"id"`
	// Kind is the requested artifact format, "pdf" or "png".
	Kind string `json:"kind"`
	// PackageURL is a signed read URL for the staged job package: the
	// prepared script with all field substitutions applied.
	PackageURL  string            `json:"package_url"`
	Assets      map[string]string `json:"assets,omitempty"`
	ArtifactURL string            `json:"artifact_url"`
}

type jobStatus struct {
	ID      string  `json:"id"`
	State   string  `json:"state"`
	Message string  `json:"message,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
}

// Render runs one publishing job end to end. kind is "pdf" or "png".
// The returned RunInfo is meaningful on error as well: it carries the
// job id (when one was assigned) and the state the run ended in.
func (c *Client) Render(ctx context.Context, script string, f fields.Map, assets fields.AssetMap, kind string) ([]byte, RunInfo, error) {
	info := RunInfo{JobID: uuid.NewString(), State: StatePreparing}
	log := c.logger.With(zap.String("jobId", info.JobID), zap.String("kind", kind))

	prepared := placeholder.Expand(script, f)
	packageURL, err := c.stagePackage(ctx, info.JobID, prepared)
	if err != nil {
		info.State = StateFailed
		return nil, info, fmt.Errorf("%w: staging job package: %v", ErrSubmit, err)
	}

	assetURLs, err := c.stageAssets(ctx, info.JobID, assets)
	if err != nil {
		info.State = StateFailed
		return nil, info, fmt.Errorf("%w: staging assets: %v", ErrSubmit, err)
	}

	artifactName := fmt.Sprintf("jobs/%s/artifact.%s", info.JobID, kind)
	artifactPut, err := c.issuer.IssueUpload(ctx, artifactName)
	if err != nil {
		info.State = StateFailed
		return nil, info, fmt.Errorf("%w: issuing artifact upload url: %v", ErrSubmit, err)
	}

	if err := c.submit(ctx, submitRequest{
		ID:          info.JobID,
		Kind:        kind,
		PackageURL:  packageURL,
		Assets:      assetURLs,
		ArtifactURL: artifactPut,
	}); err != nil {
		info.State = StateFailed
		return nil, info, err
	}
	info.State = StateSubmitted
	log.Info("publishing job submitted", zap.Int("assets", len(assetURLs)))

	info.State = StatePolling
	status, attempts, err := c.poll(ctx, info.JobID)
	info.Attempts = attempts
	if err != nil {
		info.State = StateTimedOut
		log.Warn("publishing job abandoned", zap.Int("polls", attempts), zap.Error(err))
		return nil, info, err
	}
	info.Cost = status.Cost

	if State(status.State) == StateFailed {
		info.State = StateFailed
		log.Warn("publishing job failed remotely", zap.String("message", status.Message))
		return nil, info, fmt.Errorf("%w: %s", ErrJobFailed, status.Message)
	}

	artifact, err := c.fetchArtifact(ctx, artifactName, kind)
	if err != nil {
		info.State = StateFailed
		return nil, info, err
	}
	info.State = StateComplete
	log.Info("publishing job complete",
		zap.Int("polls", attempts),
		zap.Int("artifactBytes", len(artifact)),
		zap.Float64("cost", status.Cost))
	return artifact, info, nil
}

// stagePackage uploads the prepared script package to the transient blob
// store and returns the signed read URL the remote service fetches it by.
func (c *Client) stagePackage(ctx context.Context, jobID, prepared string) (string, error) {
	name := fmt.Sprintf("jobs/%s/package", jobID)
	putURL, err := c.issuer.IssueUpload(ctx, name)
	if err != nil {
		return "", err
	}
	if err := c.putBlob(ctx, putURL, []byte(prepared), "application/octet-stream"); err != nil {
		return "", err
	}
	return c.issuer.IssueDownload(ctx, name)
}

// stageAssets uploads every present asset behind a signed URL and returns
// slot -> download URL for the submit payload. Absent slots are skipped;
// the remote service renders its own placeholder for unreferenced slots.
func (c *Client) stageAssets(ctx context.Context, jobID string, assets fields.AssetMap) (map[string]string, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	urls := map[string]string{}
	slots := make([]string, 0, len(assets))
	for slot := range assets {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	for _, slot := range slots {
		asset := assets[slot]
		if asset.Absent {
			continue
		}
		name := fmt.Sprintf("jobs/%s/assets/%s.%s", jobID, slot, asset.Format)
		putURL, err := c.issuer.IssueUpload(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", slot, err)
		}
		if err := c.putBlob(ctx, putURL, asset.Data, "image/"+asset.Format); err != nil {
			return nil, fmt.Errorf("slot %s: %w", slot, err)
		}
		getURL, err := c.issuer.IssueDownload(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", slot, err)
		}
		urls[slot] = getURL
	}
	return urls, nil
}

func (c *Client) putBlob(ctx context.Context, url string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("blob upload: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func (c *Client) submit(ctx context.Context, job submitRequest) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: encoding job: %v", ErrSubmit, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrSubmit, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// poll queries job status until a terminal state, the attempt bound, or
// context cancellation. Transient query failures consume an attempt but
// do not end the run.
func (c *Client) poll(ctx context.Context, jobID string) (jobStatus, int, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	attempts := 0
	for attempts < c.maxPolls {
		select {
		case <-ctx.Done():
			return jobStatus{}, attempts, fmt.Errorf("%w: %v", ErrPollTimeout, ctx.Err())
		case <-ticker.C:
		}
		attempts++
		status, err := c.queryStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return jobStatus{}, attempts, fmt.Errorf("%w: %v", ErrPollTimeout, ctx.Err())
			}
			c.logger.Debug("status poll failed", zap.String("jobId", jobID),
				zap.Int("attempt", attempts), zap.Error(err))
			continue
		}
		switch State(status.State) {
		case StateComplete, StateFailed:
			return status, attempts, nil
		}
	}
	return jobStatus{}, attempts, fmt.Errorf("%w: %d polls exhausted", ErrPollTimeout, attempts)
}

func (c *Client) queryStatus(ctx context.Context, jobID string) (jobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return jobStatus{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return jobStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return jobStatus{}, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var status jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return jobStatus{}, fmt.Errorf("decoding status: %w", err)
	}
	return status, nil
}

// fetchArtifact downloads the finished artifact and verifies its magic
// bytes match the requested kind before handing it to the caller.
func (c *Client) fetchArtifact(ctx context.Context, name, kind string) ([]byte, error) {
	url, err := c.issuer.IssueDownload(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: issuing artifact download url: %v", ErrArtifactInvalid, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactInvalid, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactInvalid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: artifact download status %d", ErrArtifactInvalid, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading artifact: %v", ErrArtifactInvalid, err)
	}
	if err := verifyMagic(data, kind); err != nil {
		return nil, err
	}
	return data, nil
}

var (
	pdfMagic = []byte("%PDF-")
	pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
)

// verifyMagic rejects artifacts whose leading bytes do not match the
// requested format, catching truncated uploads and service mixups.
func verifyMagic(data []byte, kind string) error {
	var magic []byte
	switch kind {
	case "pdf":
		magic = pdfMagic
	case "png":
		magic = pngMagic
	default:
		return fmt.Errorf("%w: unknown artifact kind %q", ErrArtifactInvalid, kind)
	}
	if len(data) < len(magic) || !bytes.Equal(data[:len(magic)], magic) {
		return fmt.Errorf("%w: leading bytes do not match %s signature", ErrArtifactInvalid, kind)
	}
	return nil
}
