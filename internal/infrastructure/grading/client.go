package grading

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/assessment"
	"jan-server/services/tutor-api/internal/domain/retry"
)

// Client submits assessment transcripts to the grading service.
type Client struct {
	httpClient *resty.Client
	log        zerolog.Logger
}

type gradingResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// NewClient creates a grading client. Per-attempt timeouts come from the caller's context.
func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "Jan-Tutor-API/1.0").
		SetHeader("Content-Type", "application/json")
	if strings.TrimSpace(apiKey) != "" {
		httpClient.SetAuthToken(apiKey)
	}
	return &Client{
		httpClient: httpClient,
		log:        log.With().Str("component", "grading-client").Logger(),
	}
}

// SubmitGrading implements assessment.Grader. Client errors other than 408 and 429
// are permanent and stop the retry loop.
func (c *Client) SubmitGrading(ctx context.Context, request assessment.GradingRequest) error {
	var result gradingResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&result).
		Post("/v1/grading/submit")
	if err != nil {
		return fmt.Errorf("grading request failed: %w", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("grading service error (%d): %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
		if isPermanentStatus(resp.StatusCode()) {
			return retry.Permanent(err)
		}
		return err
	}

	c.log.Debug().
		Str("instance_id", request.InstanceID).
		Str("job_id", result.JobID).
		Str("status", result.Status).
		Msg("grading accepted")
	return nil
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
