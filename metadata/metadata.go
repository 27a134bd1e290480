// Package metadata executes descriptive statements against a Databricks
// workspace and normalizes the results for the policy checks. Every call is
// a single blocking round-trip to the SQL warehouse; results are rebuilt on
// every check and never cached.
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/databricks-governance/logfield"
	sqlmw "github.com/rudderlabs/databricks-governance/middleware/sqlquerywrapper"
)

// The driver reports this when SHOW PARTITIONS targets an unpartitioned
// table; it maps to a partition count of zero, not a failure.
const partitionNotFound = "SHOW PARTITIONS is not allowed on a table that is not partitioned"

var validIdentifier = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// TableRef identifies a table by its three-level namespace.
type TableRef struct {
	Catalog string
	Schema  string
	Name    string
}

func (r TableRef) String() string {
	return fmt.Sprintf("%s.%s.%s", r.Catalog, r.Schema, r.Name)
}

// Column is one entry of a table's DESCRIBE output.
type Column struct {
	Name     string
	DataType string
	Comment  string
}

// TableSchema is the parsed DESCRIBE TABLE output: the data columns plus
// the names listed under the partition information section.
type TableSchema struct {
	Columns          []Column
	PartitionColumns []string
}

type Manager struct {
	db     *sqlmw.DB
	logger logger.Logger
}

func New(_ *config.Config, log logger.Logger, db *sqlmw.DB) *Manager {
	return &Manager{
		db:     db,
		logger: log.Child("metadata"),
	}
}

// ListSchemas returns the schemas of a catalog in remote listing order.
// An empty catalog yields an empty slice.
func (m *Manager) ListSchemas(ctx context.Context, catalog string) ([]string, error) {
	if err := validateIdentifiers(catalog); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SHOW SCHEMAS IN `%s`;", catalog)

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing fetching schemas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schemas []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, fmt.Errorf("processing fetched schemas: %w", err)
		}
		schemas = append(schemas, schema)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fetched schemas: %w", err)
	}
	return schemas, nil
}

// ListTables returns the table names of a schema in remote listing order.
func (m *Manager) ListTables(ctx context.Context, catalog, schema string) ([]string, error) {
	if err := validateIdentifiers(catalog, schema); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SHOW TABLES IN `%s`.`%s`;", catalog, schema)

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing fetching tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var (
			database    string
			tableName   string
			isTemporary bool
		)
		if err := rows.Scan(&database, &tableName, &isTemporary); err != nil {
			return nil, fmt.Errorf("processing fetched tables: %w", err)
		}
		tables = append(tables, tableName)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fetched tables: %w", err)
	}
	return tables, nil
}

// TableExists reports whether a table shows up in its schema's listing.
func (m *Manager) TableExists(ctx context.Context, ref TableRef) (bool, error) {
	if err := validateIdentifiers(ref.Catalog, ref.Schema, ref.Name); err != nil {
		return false, err
	}

	query := fmt.Sprintf("SHOW TABLES IN `%s`.`%s` LIKE '%s';", ref.Catalog, ref.Schema, ref.Name)

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("executing table exists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			database    string
			tableName   string
			isTemporary bool
		)
		if err := rows.Scan(&database, &tableName, &isTemporary); err != nil {
			return false, fmt.Errorf("processing table exists: %w", err)
		}
		if tableName == ref.Name {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterating table exists: %w", err)
	}
	return false, nil
}

// TableDetail returns the single DESCRIBE DETAIL row as a property map
// (clusteringColumns, clusterByAuto, numFiles, sizeInBytes, lastModified,
// partitionColumns, ...). A table without detail yields an empty map.
func (m *Manager) TableDetail(ctx context.Context, ref TableRef) (map[string]string, error) {
	if err := validateIdentifiers(ref.Catalog, ref.Schema, ref.Name); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("DESCRIBE DETAIL `%s`.`%s`.`%s`;", ref.Catalog, ref.Schema, ref.Name)

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing describe detail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	details, err := scanRowMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("processing describe detail: %w", err)
	}
	if len(details) == 0 {
		return map[string]string{}, nil
	}
	return details[0], nil
}

// TableExtended returns the DESCRIBE TABLE EXTENDED ... AS JSON document.
func (m *Manager) TableExtended(ctx context.Context, ref TableRef) (gjson.Result, error) {
	if err := validateIdentifiers(ref.Catalog, ref.Schema, ref.Name); err != nil {
		return gjson.Result{}, err
	}

	query := fmt.Sprintf("DESCRIBE TABLE EXTENDED `%s`.`%s`.`%s` AS JSON;", ref.Catalog, ref.Schema, ref.Name)

	var doc string
	err := m.db.QueryRowContext(ctx, query).Scan(&doc)
	if err == sql.ErrNoRows {
		return gjson.Result{}, nil
	}
	if err != nil {
		return gjson.Result{}, fmt.Errorf("executing describe extended: %w", err)
	}
	return gjson.Parse(doc), nil
}

// TableProperties returns the table's custom key/value tags
// (cluster_exclusion, no_vacuum_needed, archive, reference, ...).
func (m *Manager) TableProperties(ctx context.Context, ref TableRef) (map[string]string, error) {
	if err := validateIdentifiers(ref.Catalog, ref.Schema, ref.Name); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SHOW TBLPROPERTIES `%s`.`%s`.`%s`;", ref.Catalog, ref.Schema, ref.Name)

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing fetching table properties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	properties := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("processing fetched table properties: %w", err)
		}
		properties[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fetched table properties: %w", err)
	}
	return properties, nil
}

// TableHistory returns the DESCRIBE HISTORY entries, newest first, each as
// a column-name-to-value map (operation, timestamp, ...).
func (m *Manager) TableHistory(ctx context.Context, ref TableRef) ([]map[string]string, error) {
	if err := validateIdentifiers(ref.Catalog, ref.Schema, ref.Name); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("DESCRIBE HISTORY `%s`.`%s`.`%s`;", ref.Catalog, ref.Schema, ref.Name)

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing describe history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	history, err := scanRowMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("processing describe history: %w", err)
	}
	return history, nil
}

// DescribeTable returns the table's columns with comments, plus the names
// under the "# Partition Information" section when present.
func (m *Manager) DescribeTable(ctx context.Context, ref TableRef) (TableSchema, error) {
	if err := validateIdentifiers(ref.Catalog, ref.Schema, ref.Name); err != nil {
		return TableSchema{}, err
	}

	query := fmt.Sprintf("DESCRIBE TABLE `%s`.`%s`.`%s`;", ref.Catalog, ref.Schema, ref.Name)

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return TableSchema{}, fmt.Errorf("executing describe table: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		schema             TableSchema
		inPartitionSection bool
	)
	for rows.Next() {
		var (
			colName  string
			dataType sql.NullString
			comment  sql.NullString
		)
		if err := rows.Scan(&colName, &dataType, &comment); err != nil {
			return TableSchema{}, fmt.Errorf("processing describe table: %w", err)
		}

		switch {
		case colName == "# Partition Information":
			inPartitionSection = true
		case colName == "# col_name":
			// Header row of the partition section.
		case strings.HasPrefix(colName, "#"):
			inPartitionSection = false
		case colName == "":
		case inPartitionSection:
			schema.PartitionColumns = append(schema.PartitionColumns, colName)
		default:
			schema.Columns = append(schema.Columns, Column{
				Name:     colName,
				DataType: dataType.String,
				Comment:  comment.String,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return TableSchema{}, fmt.Errorf("iterating describe table: %w", err)
	}
	return schema, nil
}

// PartitionCount returns the number of partitions of a table. An
// unpartitioned table counts as zero.
func (m *Manager) PartitionCount(ctx context.Context, ref TableRef) (int, error) {
	if err := validateIdentifiers(ref.Catalog, ref.Schema, ref.Name); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SHOW PARTITIONS `%s`.`%s`.`%s`;", ref.Catalog, ref.Schema, ref.Name)

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		if strings.Contains(err.Error(), partitionNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("executing show partitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating show partitions: %w", err)
	}

	m.logger.Debugw("counted partitions",
		logfield.Catalog, ref.Catalog,
		logfield.Schema, ref.Schema,
		logfield.Table, ref.Name,
	)
	return count, nil
}

// scanRowMaps normalizes a result set into one column-name-to-value map
// per row. NULLs become empty strings.
func scanRowMaps(rows *sql.Rows) ([]map[string]string, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	var result []map[string]string
	for rows.Next() {
		values := make([]any, len(columns))
		for i := range values {
			values[i] = new(any)
		}
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}

		row := make(map[string]string, len(columns))
		for i, column := range columns {
			row[column] = cast.ToString(*(values[i].(*any)))
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result rows: %w", err)
	}
	return result, nil
}

func validateIdentifiers(identifiers ...string) error {
	for _, identifier := range identifiers {
		if !validIdentifier.MatchString(identifier) {
			return fmt.Errorf("invalid identifier %q", identifier)
		}
	}
	return nil
}
