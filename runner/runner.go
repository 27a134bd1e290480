// Package runner is the command line entrypoint: it loads the
// environment, connects to the workspace, runs the requested governance
// checks, and renders every violation before exiting non-zero.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/alexeyco/simpletable"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/databricks-governance/client"
	"github.com/rudderlabs/databricks-governance/fixture"
	"github.com/rudderlabs/databricks-governance/jobsapi"
	sqlmw "github.com/rudderlabs/databricks-governance/middleware/sqlquerywrapper"
	"github.com/rudderlabs/databricks-governance/policy"
	"github.com/rudderlabs/databricks-governance/suite"
)

type runtime struct {
	conf   *config.Config
	logger logger.Logger
}

func newRuntime() *runtime {
	conf := config.New()
	return &runtime{
		conf:   conf,
		logger: logger.NewFactory(conf).NewLogger().Child("governance"),
	}
}

func (r *runtime) connect() (*sql.DB, error) {
	cred := client.CredentialsFromConfig(r.conf)
	if cred.Host == "" || cred.Token == "" {
		return nil, fmt.Errorf("workspace credentials not configured, set DATABRICKS_HOST and DATABRICKS_TOKEN")
	}
	return client.Connect(cred)
}

func (r *runtime) selector(c *cli.Context) string {
	if selector := c.String("selector"); selector != "" {
		return selector
	}
	return r.conf.GetString("DATABRICKS_CATALOG", "workspace")
}

// NewApp builds the governance CLI.
func NewApp() *cli.App {
	return &cli.App{
		Name:  "governance",
		Usage: "run governance checks against a Databricks workspace",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "environment file with workspace credentials",
				Value: ".env",
			},
		},
		Before: func(c *cli.Context) error {
			// Missing .env is fine, the environment may already be set.
			_ = godotenv.Load(c.String("env-file"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "run governance checks",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "selector",
						Usage: "catalog or catalog.schema to check (defaults to DATABRICKS_CATALOG)",
					},
				},
				Subcommands: []*cli.Command{
					{Name: "tables", Usage: "table policies", Action: checkTables},
					{Name: "jobs", Usage: "job hygiene policies", Action: checkJobs},
					{Name: "clusters", Usage: "cluster auto-termination policy", Action: checkClusters},
					{Name: "all", Usage: "every policy", Action: checkAll},
				},
			},
			{Name: "setup", Usage: "provision the clustering scenario tables", Action: setup},
			{Name: "teardown", Usage: "drop the clustering scenario schema", Action: teardown},
		},
	}
}

func checkTables(c *cli.Context) error {
	r := newRuntime()
	failures, err := runTableChecks(c.Context, r, r.selector(c))
	if err != nil {
		return err
	}
	return report(failures)
}

func checkJobs(c *cli.Context) error {
	r := newRuntime()
	failures, err := runJobChecks(c.Context, r)
	if err != nil {
		return err
	}
	return report(failures)
}

func checkClusters(c *cli.Context) error {
	r := newRuntime()
	failures, err := runClusterChecks(c.Context, r)
	if err != nil {
		return err
	}
	return report(failures)
}

func checkAll(c *cli.Context) error {
	r := newRuntime()

	failures, err := runTableChecks(c.Context, r, r.selector(c))
	if err != nil {
		return err
	}
	jobFailures, err := runJobChecks(c.Context, r)
	if err != nil {
		return err
	}
	clusterFailures, err := runClusterChecks(c.Context, r)
	if err != nil {
		return err
	}

	for name, f := range jobFailures {
		failures[name] = f
	}
	for name, f := range clusterFailures {
		failures[name] = f
	}
	return report(failures)
}

func runTableChecks(ctx context.Context, r *runtime, selector string) (map[string][]policy.Failure, error) {
	db, err := r.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	s := suite.New(r.conf, r.logger, stats.Default, db)
	for _, check := range s.Checker.AllTableChecks() {
		if err := s.CheckTables(ctx, selector, check); err != nil {
			return nil, err
		}
	}
	return s.AllFailures(), nil
}

func runJobChecks(ctx context.Context, r *runtime) (map[string][]policy.Failure, error) {
	checker := policy.NewJobChecker(r.conf, r.logger, jobsapi.New(r.conf, r.logger))

	failures := make(map[string][]policy.Failure)
	for name, run := range map[string]func(context.Context) ([]policy.Failure, error){
		"service_principal": checker.ServicePrincipals,
		"retries":           checker.Retries,
		"timeouts":          checker.Timeouts,
		"job_clusters":      checker.Clusters,
	} {
		result, err := run(ctx)
		if err != nil {
			return nil, err
		}
		failures[name] = result
	}
	return failures, nil
}

func runClusterChecks(ctx context.Context, r *runtime) (map[string][]policy.Failure, error) {
	checker := policy.NewJobChecker(r.conf, r.logger, jobsapi.New(r.conf, r.logger))
	result, err := checker.AutoTermination(ctx)
	if err != nil {
		return nil, err
	}
	return map[string][]policy.Failure{"auto_termination": result}, nil
}

func setup(c *cli.Context) error {
	r := newRuntime()
	db, err := r.connect()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	f := fixture.New(r.conf, r.logger, sqlmw.New(db, sqlmw.WithLogger(r.logger)))
	if err := f.Setup(c.Context); err != nil {
		return err
	}
	fmt.Printf("created scenario tables in %s\n", f.Selector())
	return nil
}

func teardown(c *cli.Context) error {
	r := newRuntime()
	db, err := r.connect()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	f := fixture.New(r.conf, r.logger, sqlmw.New(db, sqlmw.WithLogger(r.logger)))
	if err := f.Teardown(c.Context); err != nil {
		return err
	}
	fmt.Printf("dropped scenario schema %s\n", f.Selector())
	return nil
}

// report renders every violation and turns a non-empty result into a
// non-zero exit.
func report(failures map[string][]policy.Failure) error {
	names := make([]string, 0, len(failures))
	total := 0
	for name, f := range failures {
		names = append(names, name)
		total += len(f)
	}
	sort.Strings(names)

	if total == 0 {
		fmt.Println("all governance checks passed")
		return nil
	}

	table := simpletable.New()
	table.Header = &simpletable.Header{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignCenter, Text: "CHECK"},
			{Align: simpletable.AlignCenter, Text: "IDENTIFIER"},
			{Align: simpletable.AlignCenter, Text: "ISSUE"},
		},
	}
	for _, name := range names {
		for _, failure := range failures[name] {
			table.Body.Cells = append(table.Body.Cells, []*simpletable.Cell{
				{Text: name},
				{Text: failure.Identifier},
				{Text: failure.Issue},
			})
		}
	}
	table.SetStyle(simpletable.StyleCompactLite)
	fmt.Println(table.String())

	return cli.Exit(fmt.Sprintf("%d governance violation(s) found", total), 1)
}
