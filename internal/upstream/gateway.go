package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reconciler/internal/apperrors"
	"reconciler/internal/config"
	"strings"
	"time"
)

// maxResponseBodySize caps how much of an upstream response is read.
const maxResponseBodySize = 8 << 20 // 8 MB

// Gateway wraps the Registry and ResultStore HTTP APIs.
//
// Every read (GetReadyJobs, GetKnownJobs, GetJobStatus) returns an error on
// any failure. UpdateJobStatus never returns an error; SendLogs never reports
// failure at all.
type Gateway struct {
	client *http.Client

	registryURL    string
	registryLegacy bool
	signer         *bearerSigner

	resultsURL    string
	resultsLegacy bool
	credential    *basicCredential
}

// NewGateway creates a gateway for the configured services.
// If client is nil, a client with timeout is created.
func NewGateway(registry config.RegistryConfig, results config.ResultStoreConfig, client *http.Client, timeout time.Duration) *Gateway {
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Gateway{
		client:         client,
		registryURL:    strings.TrimRight(registry.URL, "/"),
		registryLegacy: registry.LegacyPaths,
		signer: &bearerSigner{
			memberID:      registry.MemberID,
			privateKeyPEM: registry.PrivateKey,
			now:           time.Now,
		},
		resultsURL:    strings.TrimRight(results.URL, "/"),
		resultsLegacy: results.LegacyPaths,
		credential: &basicCredential{
			username: results.Username,
			password: results.Password,
		},
	}
}

func (g *Gateway) readyPath() string {
	if g.registryLegacy {
		return "/api/studies/runnable"
	}
	return "/api/studies/ready"
}

func (g *Gateway) knownPath() string {
	if g.resultsLegacy {
		return "/api/runs"
	}
	return "/api/jobs"
}

func (g *Gateway) jobPath(jobID string) string {
	if g.resultsLegacy {
		return "/api/run/" + url.PathEscape(jobID)
	}
	return "/api/job/" + url.PathEscape(jobID)
}

// ResultEndpoint returns the URL a launched job reports its results to.
func (g *Gateway) ResultEndpoint(jobID string) string {
	return g.resultsURL + g.jobPath(jobID)
}

// GetReadyJobs returns the jobs the Registry considers ready to run, in Registry order.
func (g *Gateway) GetReadyJobs(ctx context.Context) (*ReadyJobs, error) {
	const op = "registry.getReadyJobs"

	auth, err := g.signer.header(op)
	if err != nil {
		return nil, err
	}
	body, err := g.read(ctx, op, g.registryURL+g.readyPath(), auth)
	if err != nil {
		return nil, err
	}

	var out ReadyJobs
	if err := decodeStrict(op, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetKnownJobs returns the jobs the ResultStore already has results or status for.
func (g *Gateway) GetKnownJobs(ctx context.Context) (*KnownJobs, error) {
	const op = "resultstore.getKnownJobs"

	auth, err := g.credential.header(op)
	if err != nil {
		return nil, err
	}
	body, err := g.read(ctx, op, g.resultsURL+g.knownPath(), auth)
	if err != nil {
		return nil, err
	}

	var out KnownJobs
	if err := decodeStrict(op, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJobStatus returns the last status the ResultStore holds for a job.
func (g *Gateway) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	const op = "resultstore.getJobStatus"

	auth, err := g.credential.header(op)
	if err != nil {
		return nil, err
	}
	body, err := g.read(ctx, op, g.resultsURL+g.jobPath(jobID), auth)
	if err != nil {
		return nil, err
	}

	var out JobStatus
	if err := decodeStrict(op, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateJobStatus replaces the job's status in the ResultStore.
// Calling it repeatedly with the same status is safe.
func (g *Gateway) UpdateJobStatus(ctx context.Context, jobID string, update StatusUpdate) StatusResult {
	const op = "resultstore.updateJobStatus"
	logger := slog.With("jobId", jobID, "status", update.Status, "op", op)

	auth, err := g.credential.header(op)
	if err != nil {
		logger.Error("Status update not sent", "error", err)
		return StatusResult{Success: false}
	}

	status, body, err := g.send(ctx, http.MethodPut, g.resultsURL+g.jobPath(jobID), auth, update)
	if err != nil {
		logger.Error("Status update failed", "error", err)
		return StatusResult{Success: false}
	}
	if !isSuccess(status) {
		logger.Warn("Status update rejected", "httpStatus", status, "body", truncate(body, 512))
		return StatusResult{Success: false}
	}
	return StatusResult{Success: true}
}

// SendLogs uploads a job's logs to the ResultStore. Best effort: failures are
// logged and otherwise ignored.
func (g *Gateway) SendLogs(ctx context.Context, jobID, logs string) {
	const op = "resultstore.sendLogs"
	logger := slog.With("jobId", jobID, "op", op)

	auth, err := g.credential.header(op)
	if err != nil {
		logger.Warn("Logs not sent", "error", err)
		return
	}

	status, body, err := g.send(ctx, http.MethodPut, g.resultsURL+g.jobPath(jobID)+"/logs", auth, logsPayload{Logs: logs})
	if err != nil {
		logger.Warn("Failed to send logs", "error", err)
		return
	}
	if !isSuccess(status) {
		logger.Warn("Logs rejected", "httpStatus", status, "body", truncate(body, 512))
		return
	}
	logger.Debug("Logs sent", "bytes", len(logs))
}

// read performs an authenticated GET and returns the body of a 2xx response.
func (g *Gateway) read(ctx context.Context, op, target, auth string) ([]byte, error) {
	status, body, err := g.send(ctx, http.MethodGet, target, auth, nil)
	if err != nil {
		return nil, apperrors.UpstreamProtocol(op, err)
	}
	if !isSuccess(status) {
		return nil, apperrors.UpstreamProtocol(op, fmt.Errorf("unexpected status %d: %s", status, truncate(body, 1024)))
	}
	return body, nil
}

func (g *Gateway) send(ctx context.Context, method, target, auth string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
