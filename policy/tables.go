package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/databricks-governance/metadata"
)

const (
	minAvgFileSize     = 64 * 1024 * 1024
	maxAvgFileSize     = 1024 * 1024 * 1024
	smallFileThreshold = 10 * 1024 * 1024
	maxSmallFiles      = 10000
	maxPartitions      = 10000
)

// Comments that technically exist but document nothing.
var genericComments = []string{"table", "data", "temp", "test", "tbd", "todo"}

// Partition column name fragments that indicate high cardinality.
var highCardinalityIndicators = []string{"id", "uuid", "guid", "timestamp"}

func propertyEnabled(properties map[string]string, key string) bool {
	value := strings.ToLower(strings.TrimSpace(properties[key]))
	return value == "true" || value == "1"
}

// ClusteringCompliant passes when the table declares clustering columns,
// uses automatic clustering, or is explicitly excluded via the
// cluster_exclusion property. Missing clustering info fails closed.
func ClusteringCompliant(detail, properties map[string]string) bool {
	if propertyEnabled(properties, "cluster_exclusion") {
		return true
	}
	if len(gjson.Parse(detail["clusteringColumns"]).Array()) > 0 {
		return true
	}
	return strings.EqualFold(detail["clusterByAuto"], "true")
}

// DocumentationCompliant passes when the comment is non-empty and not a
// generic placeholder.
func DocumentationCompliant(comment string) bool {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return false
	}
	return !lo.Contains(genericComments, strings.ToLower(comment))
}

// ColumnDocCompliant passes when at least threshold percent of the
// columns carry a comment. A table with no columns passes at any
// threshold.
func ColumnDocCompliant(columns []metadata.Column, threshold int) (bool, string) {
	if len(columns) == 0 {
		return true, ""
	}
	documented := lo.CountBy(columns, func(c metadata.Column) bool {
		return strings.TrimSpace(c.Comment) != ""
	})
	percentage := float64(documented) / float64(len(columns)) * 100
	if percentage >= float64(threshold) {
		return true, ""
	}
	return false, fmt.Sprintf("%.0f%% of columns documented, below threshold %d%%", percentage, threshold)
}

// CriticalColumnsDocumented fails on the first column whose lowercase
// name contains one of the configured patterns and has no comment.
func CriticalColumnsDocumented(columns []metadata.Column, patterns []string) (bool, string) {
	for _, column := range columns {
		name := strings.ToLower(column.Name)
		for _, pattern := range patterns {
			if pattern == "" || !strings.Contains(name, pattern) {
				continue
			}
			if strings.TrimSpace(column.Comment) == "" {
				return false, fmt.Sprintf("critical column %q has no comment", column.Name)
			}
		}
	}
	return true, ""
}

// VacuumCompliant passes when the table opts out via no_vacuum_needed or
// its newest VACUUM history entry is within thresholdDays. No VACUUM
// entry at all is a failure.
func VacuumCompliant(properties map[string]string, history []map[string]string, thresholdDays int, now time.Time) (bool, string) {
	if propertyEnabled(properties, "no_vacuum_needed") {
		return true, ""
	}

	var lastVacuum time.Time
	for _, entry := range history {
		if !strings.EqualFold(entry["operation"], "VACUUM") {
			continue
		}
		ts, err := dateparse.ParseAny(entry["timestamp"])
		if err != nil {
			continue
		}
		if ts.After(lastVacuum) {
			lastVacuum = ts
		}
	}
	if lastVacuum.IsZero() {
		return false, "no VACUUM operation in table history"
	}

	age := int(now.Sub(lastVacuum).Hours() / 24)
	if age > thresholdDays {
		return false, fmt.Sprintf("last VACUUM %d days ago exceeds threshold of %d days", age, thresholdDays)
	}
	return true, ""
}

// OrphanCompliant passes for archive/reference tables and for tables
// modified within thresholdDays. An unparsable lastModified passes; the
// rule stays fail-open on bad timestamps.
func OrphanCompliant(detail, properties map[string]string, thresholdDays int, now time.Time) (bool, string) {
	if propertyEnabled(properties, "archive") || propertyEnabled(properties, "reference") {
		return true, ""
	}

	lastModified, err := dateparse.ParseAny(detail["lastModified"])
	if err != nil {
		return true, ""
	}

	age := int(now.Sub(lastModified).Hours() / 24)
	if age > thresholdDays {
		return false, fmt.Sprintf("not modified in %d days, threshold is %d days", age, thresholdDays)
	}
	return true, ""
}

// FileSizingHealthy passes when the average file size sits in the healthy
// band and the estimated small-file count stays under the limit. A table
// without files has an average of zero and fails the lower bound.
func FileSizingHealthy(detail map[string]string) (bool, string) {
	numFiles := cast.ToInt64(detail["numFiles"])
	sizeInBytes := cast.ToInt64(detail["sizeInBytes"])
	var avg int64
	if numFiles > 0 {
		avg = sizeInBytes / numFiles
	}

	if avg < minAvgFileSize {
		// The detail row has no per-file histogram; assume most files
		// are small when the average already is.
		if avg < smallFileThreshold {
			if estimated := int64(float64(numFiles) * 0.8); estimated > maxSmallFiles {
				return false, fmt.Sprintf("estimated %d small files exceeds limit of %d", estimated, maxSmallFiles)
			}
		}
		return false, fmt.Sprintf("average file size %dMB below minimum of %dMB", avg/(1024*1024), minAvgFileSize/(1024*1024))
	}
	if avg > maxAvgFileSize {
		return false, fmt.Sprintf("average file size %dMB above maximum of %dMB", avg/(1024*1024), maxAvgFileSize/(1024*1024))
	}
	return true, ""
}

// PartitionHealthy passes unpartitioned tables regardless of any stale
// count, then bounds partition count and flags high-cardinality partition
// columns.
func PartitionHealthy(partitionColumns []string, partitionCount int) (bool, string) {
	if len(partitionColumns) == 0 {
		return true, ""
	}
	if partitionCount > maxPartitions {
		return false, fmt.Sprintf("%d partitions exceeds limit of %d", partitionCount, maxPartitions)
	}
	for _, column := range partitionColumns {
		name := strings.ToLower(column)
		for _, indicator := range highCardinalityIndicators {
			if strings.Contains(name, indicator) {
				return false, fmt.Sprintf("partition column %q looks high-cardinality (%s)", column, indicator)
			}
		}
	}
	return true, ""
}

// ManagedLocationCompliant passes when the extended table document flags
// the table as living in a managed location.
func ManagedLocationCompliant(extended gjson.Result) bool {
	return extended.Get("is_managed_location").Bool()
}

type metadataStore interface {
	TableExtended(ctx context.Context, ref metadata.TableRef) (gjson.Result, error)
	TableProperties(ctx context.Context, ref metadata.TableRef) (map[string]string, error)
	TableHistory(ctx context.Context, ref metadata.TableRef) ([]map[string]string, error)
	DescribeTable(ctx context.Context, ref metadata.TableRef) (metadata.TableSchema, error)
	PartitionCount(ctx context.Context, ref metadata.TableRef) (int, error)
}

// Checker binds the pure table predicates to the metadata store and the
// configured thresholds, producing ready-to-run checks for the iterator.
type Checker struct {
	store  metadataStore
	logger logger.Logger
	now    func() time.Time

	config struct {
		columnDocThreshold int
		vacuumDays         int
		orphanDays         int
		criticalPatterns   []string
	}
}

func NewChecker(conf *config.Config, log logger.Logger, store metadataStore) *Checker {
	c := &Checker{
		store:  store,
		logger: log.Child("checker"),
		now:    time.Now,
	}
	c.config.columnDocThreshold = conf.GetIntVar(80, 1, "Governance.columnDocThreshold", "COLUMN_DOC_THRESHOLD")
	c.config.vacuumDays = conf.GetIntVar(30, 1, "Governance.vacuumDaysThreshold", "VACUUM_DAYS_THRESHOLD")
	c.config.orphanDays = conf.GetIntVar(90, 1, "Governance.orphanDaysThreshold", "ORPHAN_DAYS_THRESHOLD")
	for _, pattern := range strings.Split(conf.GetString("Governance.criticalColumnPatterns", "ssn,email,phone,password,salary"), ",") {
		if pattern = strings.ToLower(strings.TrimSpace(pattern)); pattern != "" {
			c.config.criticalPatterns = append(c.config.criticalPatterns, pattern)
		}
	}
	return c
}

func (c *Checker) Clustering() Check {
	return Check{Name: "clustering", Fn: func(ctx context.Context, detail map[string]string, ref metadata.TableRef) (bool, string, error) {
		properties, err := c.store.TableProperties(ctx, ref)
		if err != nil {
			return false, "", err
		}
		if !ClusteringCompliant(detail, properties) {
			return false, "no clustering columns and no exclusion", nil
		}
		return true, "", nil
	}}
}

func (c *Checker) Documentation() Check {
	return Check{Name: "documentation", Fn: func(ctx context.Context, _ map[string]string, ref metadata.TableRef) (bool, string, error) {
		extended, err := c.store.TableExtended(ctx, ref)
		if err != nil {
			return false, "", err
		}
		if !DocumentationCompliant(extended.Get("comment").String()) {
			return false, "table comment missing or generic", nil
		}
		return true, "", nil
	}}
}

func (c *Checker) ColumnDocumentation() Check {
	return Check{Name: "column_documentation", Fn: func(ctx context.Context, _ map[string]string, ref metadata.TableRef) (bool, string, error) {
		schema, err := c.store.DescribeTable(ctx, ref)
		if err != nil {
			return false, "", err
		}
		ok, reason := ColumnDocCompliant(schema.Columns, c.config.columnDocThreshold)
		return ok, reason, nil
	}}
}

func (c *Checker) CriticalColumns() Check {
	return Check{Name: "critical_columns", Fn: func(ctx context.Context, _ map[string]string, ref metadata.TableRef) (bool, string, error) {
		schema, err := c.store.DescribeTable(ctx, ref)
		if err != nil {
			return false, "", err
		}
		ok, reason := CriticalColumnsDocumented(schema.Columns, c.config.criticalPatterns)
		return ok, reason, nil
	}}
}

func (c *Checker) Vacuum() Check {
	return Check{Name: "vacuum", Fn: func(ctx context.Context, _ map[string]string, ref metadata.TableRef) (bool, string, error) {
		properties, err := c.store.TableProperties(ctx, ref)
		if err != nil {
			return false, "", err
		}
		history, err := c.store.TableHistory(ctx, ref)
		if err != nil {
			return false, "", err
		}
		ok, reason := VacuumCompliant(properties, history, c.config.vacuumDays, c.now())
		return ok, reason, nil
	}}
}

func (c *Checker) Orphans() Check {
	return Check{Name: "orphans", Fn: func(ctx context.Context, detail map[string]string, ref metadata.TableRef) (bool, string, error) {
		properties, err := c.store.TableProperties(ctx, ref)
		if err != nil {
			return false, "", err
		}
		ok, reason := OrphanCompliant(detail, properties, c.config.orphanDays, c.now())
		return ok, reason, nil
	}}
}

func (c *Checker) FileSizing() Check {
	return Check{Name: "file_sizing", Fn: func(_ context.Context, detail map[string]string, _ metadata.TableRef) (bool, string, error) {
		ok, reason := FileSizingHealthy(detail)
		return ok, reason, nil
	}}
}

func (c *Checker) Partitioning() Check {
	return Check{Name: "partitioning", Fn: func(ctx context.Context, _ map[string]string, ref metadata.TableRef) (bool, string, error) {
		schema, err := c.store.DescribeTable(ctx, ref)
		if err != nil {
			return false, "", err
		}
		if len(schema.PartitionColumns) == 0 {
			return true, "", nil
		}
		count, err := c.store.PartitionCount(ctx, ref)
		if err != nil {
			return false, "", err
		}
		ok, reason := PartitionHealthy(schema.PartitionColumns, count)
		return ok, reason, nil
	}}
}

func (c *Checker) ManagedLocation() Check {
	return Check{Name: "managed_location", Fn: func(ctx context.Context, _ map[string]string, ref metadata.TableRef) (bool, string, error) {
		extended, err := c.store.TableExtended(ctx, ref)
		if err != nil {
			return false, "", err
		}
		if !ManagedLocationCompliant(extended) {
			return false, "table is not in a managed location", nil
		}
		return true, "", nil
	}}
}

// AllTableChecks returns every table check in reporting order.
func (c *Checker) AllTableChecks() []Check {
	return []Check{
		c.Clustering(),
		c.Documentation(),
		c.ColumnDocumentation(),
		c.CriticalColumns(),
		c.Vacuum(),
		c.Orphans(),
		c.FileSizing(),
		c.Partitioning(),
		c.ManagedLocation(),
	}
}
