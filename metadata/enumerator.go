package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/rudderlabs/databricks-governance/logfield"
)

// Enumerate expands a `catalog` or `catalog.schema` selector into the
// fully qualified tables it covers. A bare catalog selector walks every
// schema of the catalog; a schema with no tables contributes nothing.
func (m *Manager) Enumerate(ctx context.Context, selector string) ([]TableRef, error) {
	catalog, schema, err := splitSelector(selector)
	if err != nil {
		return nil, err
	}

	schemas := []string{schema}
	if schema == "" {
		schemas, err = m.ListSchemas(ctx, catalog)
		if err != nil {
			return nil, fmt.Errorf("listing schemas for %s: %w", selector, err)
		}
	}

	var refs []TableRef
	for _, s := range schemas {
		tables, err := m.ListTables(ctx, catalog, s)
		if err != nil {
			return nil, fmt.Errorf("listing tables for %s.%s: %w", catalog, s, err)
		}
		for _, table := range tables {
			refs = append(refs, TableRef{Catalog: catalog, Schema: s, Name: table})
		}
	}

	m.logger.Infow("enumerated tables",
		logfield.Selector, selector,
		"tables", len(refs),
	)
	return refs, nil
}

func splitSelector(selector string) (catalog, schema string, err error) {
	parts := strings.Split(selector, ".")
	switch len(parts) {
	case 1:
		catalog = parts[0]
	case 2:
		catalog, schema = parts[0], parts[1]
	default:
		return "", "", fmt.Errorf("invalid selector %q: expected catalog or catalog.schema", selector)
	}
	if catalog == "" {
		return "", "", fmt.Errorf("invalid selector %q: empty catalog", selector)
	}
	return catalog, schema, nil
}
