// Package extract implements the page work-unit processor against an
// external text-extraction service. It is the pluggable step function the
// job engine invokes once per page; the engine itself never depends on it.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-works/inkwell/artifact"
	"github.com/inkwell-works/inkwell/errors"
	"github.com/inkwell-works/inkwell/job"
)

const requestTimeout = 60 * time.Second

// maxResponseBytes caps a single page's extracted text (16 MiB)
const maxResponseBytes = 16 << 20

// Client calls the extraction service for one page at a time and writes
// the resulting text to the artifact store.
type Client struct {
	baseURL   string
	http      *http.Client
	artifacts artifact.Store
	logger    *zap.SugaredLogger
}

// NewClient creates an extraction client for the given service base URL
func NewClient(baseURL string, artifacts artifact.Store, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: requestTimeout},
		artifacts: artifacts,
		logger:    logger,
	}
}

// ProcessItem implements job.ItemProcessor. Transport failures and
// server-side throttling come back recoverable; a rejection of the page
// itself (4xx) is fatal because retrying the same input cannot succeed.
func (c *Client) ProcessItem(ctx context.Context, resourceID string, page int) (*job.ItemResult, error) {
	url := fmt.Sprintf("%s/v1/extract/%s/%d", c.baseURL, resourceID, page)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, job.Fatal(errors.Wrap(err, "failed to build extraction request"))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, job.Recoverable(errors.Wrapf(err, "extraction request failed for page %d", page))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to read the body
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, job.Recoverable(errors.Newf(
			"extraction service returned %d for page %d", resp.StatusCode, page))
	default:
		return nil, job.Fatal(errors.Newf(
			"extraction service rejected page %d with status %d", page, resp.StatusCode))
	}

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, job.Recoverable(errors.Wrapf(err, "failed to read extraction response for page %d", page))
	}

	if err := c.artifacts.PutPage(ctx, resourceID, page, text); err != nil {
		return nil, job.Recoverable(errors.Wrapf(err, "failed to store artifact for page %d", page))
	}

	ref := fmt.Sprintf("%s/pages/%d", resourceID, page)
	c.logger.Debugw("Page extracted",
		"resource_id", resourceID,
		"page", page,
		"bytes", len(text),
	)
	return &job.ItemResult{ArtifactRef: ref}, nil
}
