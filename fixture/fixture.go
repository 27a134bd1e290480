// Package fixture provisions the test_clustering schema used by the
// clustering scenarios: one table with explicit clustering columns, one
// with automatic clustering, and one opted out via table property.
package fixture

import (
	"context"
	"fmt"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/databricks-governance/logfield"
	sqlmw "github.com/rudderlabs/databricks-governance/middleware/sqlquerywrapper"
)

type Fixture struct {
	db      *sqlmw.DB
	logger  logger.Logger
	catalog string
	schema  string
}

func New(conf *config.Config, log logger.Logger, db *sqlmw.DB) *Fixture {
	return &Fixture{
		db:      db,
		logger:  log.Child("fixture"),
		catalog: conf.GetString("Governance.fixtureCatalog", "workspace"),
		schema:  conf.GetString("Governance.fixtureSchema", "test_clustering"),
	}
}

// Setup creates the schema and recreates the three scenario tables.
func (f *Fixture) Setup(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS `%[1]s`.`%[2]s`;", f.catalog, f.schema),

		fmt.Sprintf("DROP TABLE IF EXISTS `%[1]s`.`%[2]s`.`clustered_table`;", f.catalog, f.schema),
		fmt.Sprintf("CREATE TABLE `%[1]s`.`%[2]s`.`clustered_table` (id BIGINT COMMENT 'Row identifier', name STRING COMMENT 'Display name') COMMENT 'Clustering scenario: explicit clustering columns' CLUSTER BY (id, name);", f.catalog, f.schema),

		fmt.Sprintf("DROP TABLE IF EXISTS `%[1]s`.`%[2]s`.`auto_clustered_table`;", f.catalog, f.schema),
		fmt.Sprintf("CREATE TABLE `%[1]s`.`%[2]s`.`auto_clustered_table` (id BIGINT COMMENT 'Row identifier', name STRING COMMENT 'Display name') COMMENT 'Clustering scenario: automatic clustering' CLUSTER BY AUTO;", f.catalog, f.schema),

		fmt.Sprintf("DROP TABLE IF EXISTS `%[1]s`.`%[2]s`.`no_clustering_table`;", f.catalog, f.schema),
		fmt.Sprintf("CREATE TABLE `%[1]s`.`%[2]s`.`no_clustering_table` (id BIGINT COMMENT 'Row identifier', name STRING COMMENT 'Display name') COMMENT 'Clustering scenario: excluded via property' TBLPROPERTIES ('cluster_exclusion' = 'true');", f.catalog, f.schema),
	}

	for _, statement := range statements {
		if _, err := f.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("setting up fixture: %w", err)
		}
	}

	f.logger.Infow("fixture created",
		logfield.Catalog, f.catalog,
		logfield.Schema, f.schema,
	)
	return nil
}

// Teardown drops the whole scenario schema.
func (f *Fixture) Teardown(ctx context.Context) error {
	statement := fmt.Sprintf("DROP SCHEMA IF EXISTS `%[1]s`.`%[2]s` CASCADE;", f.catalog, f.schema)
	if _, err := f.db.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("tearing down fixture: %w", err)
	}

	f.logger.Infow("fixture dropped",
		logfield.Catalog, f.catalog,
		logfield.Schema, f.schema,
	)
	return nil
}

// Selector returns the catalog.schema selector the fixture provisions.
func (f *Fixture) Selector() string {
	return f.catalog + "." + f.schema
}
