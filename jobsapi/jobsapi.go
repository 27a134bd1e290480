// Package jobsapi is a thin client for the workspace jobs and clusters
// REST API. Calls are at-most-once; an API error fails the current check.
package jobsapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const listPageSize = 100

// RunAs is the identity a job runs under. Exactly one of the fields is set
// by the workspace; both empty means the job has no run_as configuration.
type RunAs struct {
	ServicePrincipalName string `json:"service_principal_name"`
	UserName             string `json:"user_name"`
}

// Task is the subset of a job task the governance checks look at.
type Task struct {
	TaskKey           string `json:"task_key"`
	ExistingClusterID string `json:"existing_cluster_id"`
}

// JobSettings carries the governed job attributes. Optional workspace
// fields stay pointers so "not configured" is distinguishable from zero.
type JobSettings struct {
	Name           string            `json:"name"`
	RunAs          *RunAs            `json:"run_as"`
	Tags           map[string]string `json:"tags"`
	Tasks          []Task            `json:"tasks"`
	TimeoutSeconds *int64            `json:"timeout_seconds"`
	MaxRetries     *int              `json:"max_retries"`
	RetryOnTimeout *bool             `json:"retry_on_timeout"`
}

type Job struct {
	JobID    int64       `json:"job_id"`
	Settings JobSettings `json:"settings"`
}

// ClusterInfo is the subset of /clusters/list the hygiene checks need.
// ClusterSource is UI or API for all-purpose clusters and JOB for
// job-created ones.
type ClusterInfo struct {
	ClusterID              string `json:"cluster_id"`
	ClusterName            string `json:"cluster_name"`
	ClusterSource          string `json:"cluster_source"`
	AutoterminationMinutes *int   `json:"autotermination_minutes"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logger.Logger
}

func New(conf *config.Config, log logger.Logger) *Client {
	host := conf.GetString("DATABRICKS_HOST", "")
	if host != "" && !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	return &Client{
		baseURL: strings.TrimSuffix(host, "/"),
		token:   conf.GetString("DATABRICKS_TOKEN", ""),
		httpClient: &http.Client{
			Timeout: conf.GetDuration("Governance.apiTimeout", 60, time.Second),
		},
		logger: log.Child("jobsapi"),
	}
}

// NewWithBaseURL is used by tests to point the client at a local server.
func NewWithBaseURL(baseURL, token string, log logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     log.Child("jobsapi"),
	}
}

// ListJobs walks /api/2.1/jobs/list until the workspace reports no more
// pages and returns every job with its expanded settings.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var (
		jobs      []Job
		pageToken string
	)
	for {
		query := url.Values{}
		query.Set("limit", fmt.Sprintf("%d", listPageSize))
		query.Set("expand_tasks", "true")
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}

		var page struct {
			Jobs          []Job  `json:"jobs"`
			HasMore       bool   `json:"has_more"`
			NextPageToken string `json:"next_page_token"`
		}
		if err := c.get(ctx, "/api/2.1/jobs/list", query, &page); err != nil {
			return nil, fmt.Errorf("listing jobs: %w", err)
		}

		jobs = append(jobs, page.Jobs...)
		if !page.HasMore || page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return jobs, nil
}

// GetJob fetches a single job with its full settings.
func (c *Client) GetJob(ctx context.Context, jobID int64) (Job, error) {
	query := url.Values{}
	query.Set("job_id", fmt.Sprintf("%d", jobID))

	var job Job
	if err := c.get(ctx, "/api/2.1/jobs/get", query, &job); err != nil {
		return Job{}, fmt.Errorf("getting job %d: %w", jobID, err)
	}
	return job, nil
}

// ListClusters returns every cluster visible to the token.
func (c *Client) ListClusters(ctx context.Context) ([]ClusterInfo, error) {
	var response struct {
		Clusters []ClusterInfo `json:"clusters"`
	}
	if err := c.get(ctx, "/api/2.1/clusters/list", nil, &response); err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	return response.Clusters, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
