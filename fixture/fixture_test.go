package fixture_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/databricks-governance/fixture"
	sqlmw "github.com/rudderlabs/databricks-governance/middleware/sqlquerywrapper"
)

func newFixture(t *testing.T, conf *config.Config) (*fixture.Fixture, sqlmock.Sqlmock) {
	t.Helper()

	db, dbMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return fixture.New(conf, logger.NOP, sqlmw.New(db)), dbMock
}

func TestSetup(t *testing.T) {
	t.Run("creates schema and three tables", func(t *testing.T) {
		f, dbMock := newFixture(t, config.New())

		result := sqlmock.NewResult(0, 0)
		dbMock.ExpectExec("CREATE SCHEMA IF NOT EXISTS `workspace`.`test_clustering`;").WillReturnResult(result)
		dbMock.ExpectExec("DROP TABLE IF EXISTS `workspace`.`test_clustering`.`clustered_table`;").WillReturnResult(result)
		dbMock.ExpectExec("CREATE TABLE `workspace`.`test_clustering`.`clustered_table` (id BIGINT COMMENT 'Row identifier', name STRING COMMENT 'Display name') COMMENT 'Clustering scenario: explicit clustering columns' CLUSTER BY (id, name);").WillReturnResult(result)
		dbMock.ExpectExec("DROP TABLE IF EXISTS `workspace`.`test_clustering`.`auto_clustered_table`;").WillReturnResult(result)
		dbMock.ExpectExec("CREATE TABLE `workspace`.`test_clustering`.`auto_clustered_table` (id BIGINT COMMENT 'Row identifier', name STRING COMMENT 'Display name') COMMENT 'Clustering scenario: automatic clustering' CLUSTER BY AUTO;").WillReturnResult(result)
		dbMock.ExpectExec("DROP TABLE IF EXISTS `workspace`.`test_clustering`.`no_clustering_table`;").WillReturnResult(result)
		dbMock.ExpectExec("CREATE TABLE `workspace`.`test_clustering`.`no_clustering_table` (id BIGINT COMMENT 'Row identifier', name STRING COMMENT 'Display name') COMMENT 'Clustering scenario: excluded via property' TBLPROPERTIES ('cluster_exclusion' = 'true');").WillReturnResult(result)

		require.NoError(t, f.Setup(context.Background()))
		require.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("stops on first error", func(t *testing.T) {
		f, dbMock := newFixture(t, config.New())

		dbMock.ExpectExec("CREATE SCHEMA IF NOT EXISTS `workspace`.`test_clustering`;").
			WillReturnError(errors.New("permission denied"))

		require.ErrorContains(t, f.Setup(context.Background()), "permission denied")
		require.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("honors configured catalog and schema", func(t *testing.T) {
		conf := config.New()
		conf.Set("Governance.fixtureCatalog", "sandbox")
		conf.Set("Governance.fixtureSchema", "governance_check")
		f, dbMock := newFixture(t, conf)

		dbMock.ExpectExec("DROP SCHEMA IF EXISTS `sandbox`.`governance_check` CASCADE;").
			WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, f.Teardown(context.Background()))
		require.Equal(t, "sandbox.governance_check", f.Selector())
		require.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestTeardown(t *testing.T) {
	f, dbMock := newFixture(t, config.New())

	dbMock.ExpectExec("DROP SCHEMA IF EXISTS `workspace`.`test_clustering` CASCADE;").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, f.Teardown(context.Background()))
	require.NoError(t, dbMock.ExpectationsWereMet())
}
