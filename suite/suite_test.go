package suite_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/databricks-governance/jobsapi"
	"github.com/rudderlabs/databricks-governance/metadata"
	"github.com/rudderlabs/databricks-governance/policy"
	"github.com/rudderlabs/databricks-governance/suite"
)

func TestGovernanceSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Governance Suite")
}

func newMockSuite() (*suite.Suite, sqlmock.Sqlmock) {
	db, dbMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = db.Close() })

	conf := config.New()
	conf.Set("Governance.maxConcurrentTableChecks", 1)
	return suite.New(conf, logger.NOP, stats.NOP, db), dbMock
}

var _ = Describe("Table governance", func() {
	Describe("clustering compliance", func() {
		It("reports zero failures for clustered, auto-clustered, and excluded tables", func() {
			s, dbMock := newMockSuite()

			dbMock.ExpectQuery("SHOW TABLES IN `workspace`.`test_clustering`;").
				WillReturnRows(sqlmock.NewRows([]string{"database", "tableName", "isTemporary"}).
					AddRow("test_clustering", "clustered_table", false).
					AddRow("test_clustering", "auto_clustered_table", false).
					AddRow("test_clustering", "no_clustering_table", false))

			dbMock.ExpectQuery("DESCRIBE DETAIL `workspace`.`test_clustering`.`clustered_table`;").
				WillReturnRows(sqlmock.NewRows([]string{"clusteringColumns", "clusterByAuto"}).
					AddRow(`["id","name"]`, false))
			dbMock.ExpectQuery("SHOW TBLPROPERTIES `workspace`.`test_clustering`.`clustered_table`;").
				WillReturnRows(sqlmock.NewRows([]string{"key", "value"}))

			dbMock.ExpectQuery("DESCRIBE DETAIL `workspace`.`test_clustering`.`auto_clustered_table`;").
				WillReturnRows(sqlmock.NewRows([]string{"clusteringColumns", "clusterByAuto"}).
					AddRow(`[]`, true))
			dbMock.ExpectQuery("SHOW TBLPROPERTIES `workspace`.`test_clustering`.`auto_clustered_table`;").
				WillReturnRows(sqlmock.NewRows([]string{"key", "value"}))

			dbMock.ExpectQuery("DESCRIBE DETAIL `workspace`.`test_clustering`.`no_clustering_table`;").
				WillReturnRows(sqlmock.NewRows([]string{"clusteringColumns", "clusterByAuto"}).
					AddRow(`[]`, false))
			dbMock.ExpectQuery("SHOW TBLPROPERTIES `workspace`.`test_clustering`.`no_clustering_table`;").
				WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
					AddRow("cluster_exclusion", "true"))

			err := s.CheckTables(context.Background(), "workspace.test_clustering", s.Checker.Clustering())
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Failures("clustering")).To(BeEmpty())
			Expect(s.AssertCompliant("clustering")).To(Succeed())
			Expect(dbMock.ExpectationsWereMet()).To(Succeed())
		})

		It("names the unclustered table in the assertion message", func() {
			s, dbMock := newMockSuite()

			dbMock.ExpectQuery("SHOW TABLES IN `workspace`.`test_clustering`;").
				WillReturnRows(sqlmock.NewRows([]string{"database", "tableName", "isTemporary"}).
					AddRow("test_clustering", "bare_table", false))
			dbMock.ExpectQuery("DESCRIBE DETAIL `workspace`.`test_clustering`.`bare_table`;").
				WillReturnRows(sqlmock.NewRows([]string{"clusteringColumns", "clusterByAuto"}).
					AddRow(`[]`, false))
			dbMock.ExpectQuery("SHOW TBLPROPERTIES `workspace`.`test_clustering`.`bare_table`;").
				WillReturnRows(sqlmock.NewRows([]string{"key", "value"}))

			Expect(s.CheckTables(context.Background(), "workspace.test_clustering", s.Checker.Clustering())).To(Succeed())

			err := s.AssertCompliant("clustering")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("workspace.test_clustering.bare_table"))
		})
	})

	Describe("documentation compliance", func() {
		It("fails a table whose comment is the generic word table", func() {
			s, dbMock := newMockSuite()

			dbMock.ExpectQuery("SHOW TABLES IN `workspace`.`finance`;").
				WillReturnRows(sqlmock.NewRows([]string{"database", "tableName", "isTemporary"}).
					AddRow("finance", "ledger", false))
			dbMock.ExpectQuery("DESCRIBE DETAIL `workspace`.`finance`.`ledger`;").
				WillReturnRows(sqlmock.NewRows([]string{"numFiles"}).AddRow(int64(1)))
			dbMock.ExpectQuery("DESCRIBE TABLE EXTENDED `workspace`.`finance`.`ledger` AS JSON;").
				WillReturnRows(sqlmock.NewRows([]string{"json_metadata"}).
					AddRow(`{"table_name":"ledger","comment":"table"}`))

			Expect(s.CheckTables(context.Background(), "workspace.finance", s.Checker.Documentation())).To(Succeed())
			Expect(s.Failures("documentation")).To(HaveLen(1))
			Expect(s.Failures("documentation")[0].Issue).To(ContainSubstring("missing or generic"))
		})
	})

	Describe("vacuum recency", func() {
		It("fails a table with no VACUUM in its history", func() {
			s, dbMock := newMockSuite()

			dbMock.ExpectQuery("SHOW TABLES IN `workspace`.`finance`;").
				WillReturnRows(sqlmock.NewRows([]string{"database", "tableName", "isTemporary"}).
					AddRow("finance", "ledger", false))
			dbMock.ExpectQuery("DESCRIBE DETAIL `workspace`.`finance`.`ledger`;").
				WillReturnRows(sqlmock.NewRows([]string{"numFiles"}).AddRow(int64(1)))
			dbMock.ExpectQuery("SHOW TBLPROPERTIES `workspace`.`finance`.`ledger`;").
				WillReturnRows(sqlmock.NewRows([]string{"key", "value"}))
			dbMock.ExpectQuery("DESCRIBE HISTORY `workspace`.`finance`.`ledger`;").
				WillReturnRows(sqlmock.NewRows([]string{"version", "timestamp", "operation"}).
					AddRow(int64(1), "2026-08-22 10:00:00", "WRITE"))

			Expect(s.CheckTables(context.Background(), "workspace.finance", s.Checker.Vacuum())).To(Succeed())
			failures := s.Failures("vacuum")
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Issue).To(Equal("no VACUUM operation in table history"))
		})
	})

	Describe("managed location", func() {
		It("fails a table outside a managed location", func() {
			s, dbMock := newMockSuite()

			dbMock.ExpectQuery("SHOW TABLES IN `workspace`.`finance`;").
				WillReturnRows(sqlmock.NewRows([]string{"database", "tableName", "isTemporary"}).
					AddRow("finance", "ledger", false))
			dbMock.ExpectQuery("DESCRIBE DETAIL `workspace`.`finance`.`ledger`;").
				WillReturnRows(sqlmock.NewRows([]string{"numFiles"}).AddRow(int64(1)))
			dbMock.ExpectQuery("DESCRIBE TABLE EXTENDED `workspace`.`finance`.`ledger` AS JSON;").
				WillReturnRows(sqlmock.NewRows([]string{"json_metadata"}).
					AddRow(`{"table_name":"ledger","is_managed_location":false}`))

			Expect(s.CheckTables(context.Background(), "workspace.finance", s.Checker.ManagedLocation())).To(Succeed())
			failures := s.Failures("managed_location")
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Issue).To(Equal("table is not in a managed location"))
			Expect(dbMock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("table existence", func() {
		It("reports only the tables missing from the schema", func() {
			s, dbMock := newMockSuite()

			dbMock.ExpectQuery("SHOW TABLES IN `workspace`.`test_clustering` LIKE 'clustered_table';").
				WillReturnRows(sqlmock.NewRows([]string{"database", "tableName", "isTemporary"}).
					AddRow("test_clustering", "clustered_table", false))
			dbMock.ExpectQuery("SHOW TABLES IN `workspace`.`test_clustering` LIKE 'ghost_table';").
				WillReturnRows(sqlmock.NewRows([]string{"database", "tableName", "isTemporary"}))

			refs := []metadata.TableRef{
				{Catalog: "workspace", Schema: "test_clustering", Name: "clustered_table"},
				{Catalog: "workspace", Schema: "test_clustering", Name: "ghost_table"},
			}
			Expect(s.RequireTables(context.Background(), refs)).To(Succeed())

			failures := s.Failures("table_existence")
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Identifier).To(Equal("workspace.test_clustering.ghost_table"))
			Expect(failures[0].Issue).To(Equal("table does not exist"))
			Expect(dbMock.ExpectationsWereMet()).To(Succeed())
		})
	})
})

var _ = Describe("Job governance", func() {
	It("reports a job running as a user account with the account in the reason", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/2.1/jobs/list":
				_, _ = w.Write([]byte(`{
					"jobs": [{"job_id": 7, "settings": {"name": "adhoc_report"}}],
					"has_more": false
				}`))
			case "/api/2.1/jobs/get":
				Expect(r.URL.Query().Get("job_id")).To(Equal("7"))
				_, _ = w.Write([]byte(`{
					"job_id": 7,
					"settings": {"name": "adhoc_report", "run_as": {"user_name": "alice@example.com"}}
				}`))
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		DeferCleanup(srv.Close)

		s, _ := newMockSuite()
		s.WithJobs(config.New(), jobsapi.NewWithBaseURL(srv.URL, "dapi-secret", logger.NOP))

		Expect(s.CheckJobs(context.Background())).To(Succeed())

		var found *policy.Failure
		for _, failure := range s.Failures("service_principal") {
			if failure.Identifier == "adhoc_report" {
				found = &failure
				break
			}
		}
		Expect(found).NotTo(BeNil())
		Expect(found.Issue).To(ContainSubstring("alice@example.com"))

		err := s.AssertCompliant("service_principal")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("adhoc_report"))
	})

	It("reports clusters without auto-termination", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/2.1/clusters/list":
				_, _ = w.Write([]byte(`{
					"clusters": [
						{"cluster_id": "c-1", "cluster_name": "shared-analytics", "cluster_source": "UI"},
						{"cluster_id": "c-2", "cluster_name": "job-cluster", "cluster_source": "JOB"}
					]
				}`))
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		DeferCleanup(srv.Close)

		s, _ := newMockSuite()
		s.WithJobs(config.New(), jobsapi.NewWithBaseURL(srv.URL, "dapi-secret", logger.NOP))

		Expect(s.CheckClusters(context.Background())).To(Succeed())
		failures := s.Failures("auto_termination")
		Expect(failures).To(HaveLen(1))
		Expect(failures[0].Identifier).To(Equal("shared-analytics"))
		Expect(failures[0].Issue).To(Equal("auto-termination is disabled"))
	})
})
