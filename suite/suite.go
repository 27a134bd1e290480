// Package suite binds the governance scenarios together: it owns the
// per-run context (connections, checkers, accumulated failures) and the
// assertion surface the specs and the CLI share.
package suite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/databricks-governance/jobsapi"
	"github.com/rudderlabs/databricks-governance/logfield"
	"github.com/rudderlabs/databricks-governance/metadata"
	sqlmw "github.com/rudderlabs/databricks-governance/middleware/sqlquerywrapper"
	"github.com/rudderlabs/databricks-governance/policy"
)

// Workspace access tokens must never reach the query log.
var secretsRedactions = map[string]string{
	`dapi[0-9a-zA-Z]+`: "***",
}

// Suite is the explicit per-scenario context. It is constructed at
// scenario start, torn down at scenario end, and never shared across
// scenarios.
type Suite struct {
	RunID string

	Metadata   *metadata.Manager
	Iterator   *policy.Iterator
	Checker    *policy.Checker
	JobChecker *policy.JobChecker

	logger logger.Logger

	mu       sync.Mutex
	failures map[string][]policy.Failure
}

// New wires a suite over an open database handle. The handle stays owned
// by the caller; the suite only wraps it for query logging.
func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, db *sql.DB) *Suite {
	runID := uuid.New().String()
	log = log.Child("suite").With(logfield.RunID, runID)

	wrapped := sqlmw.New(db,
		sqlmw.WithLogger(log.Child("sql")),
		sqlmw.WithSlowQueryThreshold(conf.GetDuration("Governance.slowQueryThreshold", 300, time.Second)),
		sqlmw.WithSecretsRegex(secretsRedactions),
	)
	md := metadata.New(conf, log, wrapped)

	return &Suite{
		RunID:    runID,
		Metadata: md,
		Iterator: policy.NewIterator(conf, log, statsFactory, md),
		Checker:  policy.NewChecker(conf, log, md),
		logger:   log,
		failures: make(map[string][]policy.Failure),
	}
}

// WithJobs attaches the workspace jobs client so job and cluster
// scenarios can run. Table-only scenarios skip it.
func (s *Suite) WithJobs(conf *config.Config, jobs *jobsapi.Client) *Suite {
	s.JobChecker = policy.NewJobChecker(conf, s.logger, jobs)
	return s
}

func (s *Suite) record(name string, failures []policy.Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = failures
}

// CheckTables runs one table check over the selector and records its
// failures under the check's name.
func (s *Suite) CheckTables(ctx context.Context, selector string, check policy.Check) error {
	failures, err := s.Iterator.ForEachTable(ctx, selector, check)
	if err != nil {
		return fmt.Errorf("running %s check: %w", check.Name, err)
	}
	s.record(check.Name, failures)
	return nil
}

// RequireTables records a failure for every listed table missing from
// the workspace, under the table_existence check.
func (s *Suite) RequireTables(ctx context.Context, refs []metadata.TableRef) error {
	var failures []policy.Failure
	for _, ref := range refs {
		exists, err := s.Metadata.TableExists(ctx, ref)
		if err != nil {
			return fmt.Errorf("checking %s exists: %w", ref.String(), err)
		}
		if !exists {
			failures = append(failures, policy.Failure{Identifier: ref.String(), Issue: "table does not exist"})
		}
	}
	s.record("table_existence", failures)
	return nil
}

// CheckJobs runs every job hygiene rule against the workspace.
func (s *Suite) CheckJobs(ctx context.Context) error {
	if s.JobChecker == nil {
		return fmt.Errorf("jobs client not configured")
	}
	for name, run := range map[string]func(context.Context) ([]policy.Failure, error){
		"service_principal": s.JobChecker.ServicePrincipals,
		"retries":           s.JobChecker.Retries,
		"timeouts":          s.JobChecker.Timeouts,
		"job_clusters":      s.JobChecker.Clusters,
	} {
		failures, err := run(ctx)
		if err != nil {
			return fmt.Errorf("running %s check: %w", name, err)
		}
		s.record(name, failures)
	}
	return nil
}

// CheckClusters runs the cluster auto-termination rule.
func (s *Suite) CheckClusters(ctx context.Context) error {
	if s.JobChecker == nil {
		return fmt.Errorf("jobs client not configured")
	}
	failures, err := s.JobChecker.AutoTermination(ctx)
	if err != nil {
		return fmt.Errorf("running auto_termination check: %w", err)
	}
	s.record("auto_termination", failures)
	return nil
}

// Failures returns the recorded failures of one check.
func (s *Suite) Failures(name string) []policy.Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[name]
}

// AllFailures returns every recorded failure keyed by check name.
func (s *Suite) AllFailures() map[string][]policy.Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make(map[string][]policy.Failure, len(s.failures))
	for name, failures := range s.failures {
		all[name] = failures
	}
	return all
}

// AssertCompliant returns nil when the named check recorded no failures,
// otherwise an error enumerating every violating identifier.
func (s *Suite) AssertCompliant(name string) error {
	failures := s.Failures(name)
	if len(failures) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s violation(s):", len(failures), name)
	for _, failure := range failures {
		fmt.Fprintf(&b, "\n  - %s: %s", failure.Identifier, failure.Issue)
	}
	return fmt.Errorf("%s", b.String())
}
