package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/databricks-governance/jobsapi"
	"github.com/rudderlabs/databricks-governance/logfield"
)

var productionNameIndicators = []string{"prod", "production", "prd"}

// ServicePrincipalCompliant passes when the job runs as a service
// principal. Running as a user account and having no run_as at all fail
// with distinct reasons.
func ServicePrincipalCompliant(settings jobsapi.JobSettings) (bool, string) {
	if settings.RunAs != nil && settings.RunAs.ServicePrincipalName != "" {
		return true, ""
	}
	if settings.RunAs != nil && strings.Contains(settings.RunAs.UserName, "@") {
		return false, fmt.Sprintf("Uses user account: %s", settings.RunAs.UserName)
	}
	return false, "No run_as configuration"
}

// RetryCompliant passes only when max_retries is positive and
// retry_on_timeout is enabled; each violation contributes its own reason.
func RetryCompliant(settings jobsapi.JobSettings) (bool, string) {
	var reasons []string
	if settings.MaxRetries == nil || *settings.MaxRetries <= 0 {
		reasons = append(reasons, "max_retries is not set to a positive value")
	}
	if settings.RetryOnTimeout == nil || !*settings.RetryOnTimeout {
		reasons = append(reasons, "retry_on_timeout is not enabled")
	}
	if len(reasons) > 0 {
		return false, strings.Join(reasons, "; ")
	}
	return true, ""
}

// TimeoutCompliant passes when timeout_seconds is configured and inside
// [minSeconds, maxSeconds].
func TimeoutCompliant(settings jobsapi.JobSettings, minSeconds, maxSeconds int64) (bool, string) {
	if settings.TimeoutSeconds == nil {
		return false, "timeout_seconds is not set"
	}
	timeout := *settings.TimeoutSeconds
	if timeout < minSeconds || timeout > maxSeconds {
		return false, fmt.Sprintf("timeout_seconds %d outside allowed range [%d, %d]", timeout, minSeconds, maxSeconds)
	}
	return true, ""
}

// ClusterCompliant passes jobs tagged interactive or debug; otherwise any
// task pinned to an existing all-purpose cluster fails.
func ClusterCompliant(settings jobsapi.JobSettings) (bool, string) {
	for _, tag := range []string{"interactive", "debug"} {
		if _, ok := settings.Tags[tag]; ok {
			return true, ""
		}
	}
	var reasons []string
	for _, task := range settings.Tasks {
		if task.ExistingClusterID != "" {
			reasons = append(reasons, fmt.Sprintf("Task %q uses existing cluster %s", task.TaskKey, task.ExistingClusterID))
		}
	}
	if len(reasons) > 0 {
		return false, strings.Join(reasons, "; ")
	}
	return true, ""
}

// IsProductionJob reports whether the job name marks it as production.
func IsProductionJob(name string) bool {
	name = strings.ToLower(name)
	return lo.SomeBy(productionNameIndicators, func(indicator string) bool {
		return strings.Contains(name, indicator)
	})
}

// AutoTerminationCompliant applies only to all-purpose clusters (created
// through the UI or API); job clusters terminate on their own. The
// cluster must auto-terminate within maxMinutes.
func AutoTerminationCompliant(cluster jobsapi.ClusterInfo, maxMinutes int) (bool, string) {
	source := strings.ToUpper(cluster.ClusterSource)
	if source != "UI" && source != "API" {
		return true, ""
	}
	if cluster.AutoterminationMinutes == nil || *cluster.AutoterminationMinutes == 0 {
		return false, "auto-termination is disabled"
	}
	if *cluster.AutoterminationMinutes > maxMinutes {
		return false, fmt.Sprintf("auto-termination of %d minutes exceeds maximum of %d", *cluster.AutoterminationMinutes, maxMinutes)
	}
	return true, ""
}

type jobsService interface {
	ListJobs(ctx context.Context) ([]jobsapi.Job, error)
	GetJob(ctx context.Context, jobID int64) (jobsapi.Job, error)
	ListClusters(ctx context.Context) ([]jobsapi.ClusterInfo, error)
}

// JobChecker walks the workspace jobs and clusters sequentially, in API
// listing order, and aggregates violations per rule.
type JobChecker struct {
	service jobsService
	logger  logger.Logger

	config struct {
		minTimeoutSeconds int64
		maxTimeoutSeconds int64
		maxAutoTermMin    int
		productionOnly    bool
	}
}

func NewJobChecker(conf *config.Config, log logger.Logger, service jobsService) *JobChecker {
	c := &JobChecker{
		service: service,
		logger:  log.Child("jobchecker"),
	}
	c.config.minTimeoutSeconds = conf.GetInt64Var(300, 1, "Governance.minTimeoutSeconds", "MIN_TIMEOUT_SECONDS")
	c.config.maxTimeoutSeconds = conf.GetInt64Var(86400, 1, "Governance.maxTimeoutSeconds", "MAX_TIMEOUT_SECONDS")
	c.config.maxAutoTermMin = conf.GetIntVar(120, 1, "Governance.maxAutoTerminationMinutes")
	c.config.productionOnly = conf.GetBoolVar(false, "Governance.productionJobsOnly")
	return c
}

func jobIdentifier(job jobsapi.Job) string {
	if job.Settings.Name != "" {
		return job.Settings.Name
	}
	return fmt.Sprintf("job %d", job.JobID)
}

func (c *JobChecker) forEachJob(ctx context.Context, name string, check func(jobsapi.JobSettings) (bool, string)) ([]Failure, error) {
	jobs, err := c.service.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	var failures []Failure
	for _, job := range jobs {
		if c.config.productionOnly && !IsProductionJob(job.Settings.Name) {
			continue
		}
		// The list endpoint trims settings; judge the full record.
		full, err := c.service.GetJob(ctx, job.JobID)
		if err != nil {
			return nil, fmt.Errorf("fetching job %d: %w", job.JobID, err)
		}
		if ok, reason := check(full.Settings); !ok {
			c.logger.Debugw("job violates policy",
				logfield.Check, name,
				logfield.JobID, full.JobID,
				logfield.JobName, full.Settings.Name,
			)
			failures = append(failures, Failure{Identifier: jobIdentifier(full), Issue: reason})
		}
	}
	c.logger.Infow("completed job check",
		logfield.Check, name,
		logfield.Failures, len(failures),
	)
	return failures, nil
}

func (c *JobChecker) ServicePrincipals(ctx context.Context) ([]Failure, error) {
	return c.forEachJob(ctx, "service_principal", ServicePrincipalCompliant)
}

func (c *JobChecker) Retries(ctx context.Context) ([]Failure, error) {
	return c.forEachJob(ctx, "retries", RetryCompliant)
}

func (c *JobChecker) Timeouts(ctx context.Context) ([]Failure, error) {
	return c.forEachJob(ctx, "timeouts", func(settings jobsapi.JobSettings) (bool, string) {
		return TimeoutCompliant(settings, c.config.minTimeoutSeconds, c.config.maxTimeoutSeconds)
	})
}

func (c *JobChecker) Clusters(ctx context.Context) ([]Failure, error) {
	return c.forEachJob(ctx, "job_clusters", ClusterCompliant)
}

// AutoTermination checks every all-purpose cluster in the workspace.
func (c *JobChecker) AutoTermination(ctx context.Context) ([]Failure, error) {
	clusters, err := c.service.ListClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}

	var failures []Failure
	for _, cluster := range clusters {
		if ok, reason := AutoTerminationCompliant(cluster, c.config.maxAutoTermMin); !ok {
			identifier := cluster.ClusterName
			if identifier == "" {
				identifier = cluster.ClusterID
			}
			c.logger.Debugw("cluster violates policy",
				logfield.Check, "auto_termination",
				logfield.ClusterID, cluster.ClusterID,
				logfield.ClusterName, cluster.ClusterName,
			)
			failures = append(failures, Failure{Identifier: identifier, Issue: reason})
		}
	}
	c.logger.Infow("completed cluster check",
		logfield.Check, "auto_termination",
		logfield.Failures, len(failures),
	)
	return failures, nil
}
