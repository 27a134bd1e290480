package client

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	dbsql "github.com/databricks/databricks-sql-go"
	dbsqllog "github.com/databricks/databricks-sql-go/logger"

	"github.com/rudderlabs/rudder-go-kit/config"
)

const userAgent = "databricks-governance"

// Credentials identify the SQL warehouse the suite runs its metadata
// queries against.
type Credentials struct {
	Host    string
	Port    string
	Path    string
	Token   string
	Catalog string
	Timeout time.Duration
}

// CredentialsFromConfig reads the workspace connection settings, typically
// provided through the environment (or a .env file loaded by the runner).
func CredentialsFromConfig(conf *config.Config) Credentials {
	return Credentials{
		Host:    conf.GetString("DATABRICKS_HOST", ""),
		Port:    conf.GetString("DATABRICKS_PORT", "443"),
		Path:    conf.GetString("DATABRICKS_HTTP_PATH", ""),
		Token:   conf.GetString("DATABRICKS_TOKEN", ""),
		Catalog: conf.GetString("DATABRICKS_CATALOG", ""),
		Timeout: conf.GetDuration("Governance.connectTimeout", 120, time.Second),
	}
}

// Connect opens a database handle against the Databricks SQL warehouse.
// Statements submitted through the handle block until the warehouse
// returns a result set; no retry is performed at this layer.
func Connect(cred Credentials) (*sql.DB, error) {
	port, err := strconv.Atoi(cred.Port)
	if err != nil {
		return nil, fmt.Errorf("port is not a number: %w", err)
	}

	connector, err := dbsql.NewConnector(
		dbsql.WithServerHostname(cred.Host),
		dbsql.WithPort(port),
		dbsql.WithHTTPPath(cred.Path),
		dbsql.WithAccessToken(cred.Token),
		dbsql.WithSessionParams(map[string]string{
			"ansi_mode": "false",
		}),
		dbsql.WithUserAgentEntry(userAgent),
		dbsql.WithTimeout(cred.Timeout),
		dbsql.WithInitialNamespace(cred.Catalog, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating connector: %w", err)
	}
	if err = dbsqllog.SetLogLevel("disabled"); err != nil {
		return nil, fmt.Errorf("setting log level: %w", err)
	}

	return sql.OpenDB(connector), nil
}
