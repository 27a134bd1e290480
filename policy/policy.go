// Package policy applies governance rules to tables, jobs, and clusters.
// Predicates are pure functions over fetched metadata; the iterator owns
// enumeration, fan-out, and failure aggregation.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/databricks-governance/logfield"
	"github.com/rudderlabs/databricks-governance/metadata"
)

// Failure names one policy violation. Identifier is the fully qualified
// table (or job/cluster) name, Issue the human-readable reason.
type Failure struct {
	Identifier string
	Issue      string
}

// TableCheck evaluates one rule against one table. It receives the
// table's DESCRIBE DETAIL map and may fetch further metadata itself.
// A false result carries the violation reason.
type TableCheck func(ctx context.Context, detail map[string]string, ref metadata.TableRef) (bool, string, error)

// Check pairs a rule with its name for logging and stats tags.
type Check struct {
	Name string
	Fn   TableCheck
}

type workspace interface {
	Enumerate(ctx context.Context, selector string) ([]metadata.TableRef, error)
	TableDetail(ctx context.Context, ref metadata.TableRef) (map[string]string, error)
}

// Iterator walks every table a selector covers and applies a check,
// fanning out with a bounded worker count. Failures are sorted before
// reporting so concurrent runs stay deterministic.
type Iterator struct {
	workspace    workspace
	logger       logger.Logger
	statsFactory stats.Stats

	config struct {
		maxConcurrency    int
		abortOnCheckError bool
	}
}

func NewIterator(conf *config.Config, log logger.Logger, statsFactory stats.Stats, ws workspace) *Iterator {
	it := &Iterator{
		workspace:    ws,
		logger:       log.Child("iterator"),
		statsFactory: statsFactory,
	}
	// A limit of 1 restores strictly sequential checking.
	it.config.maxConcurrency = conf.GetIntVar(8, 1, "Governance.maxConcurrentTableChecks")
	it.config.abortOnCheckError = conf.GetBoolVar(false, "Governance.abortOnCheckError")
	return it
}

// ForEachTable visits every table the selector covers exactly once and
// returns the sorted violations. A per-table check error is recorded as a
// failure for that table and the walk continues, unless
// Governance.abortOnCheckError makes it fatal for the whole run.
func (it *Iterator) ForEachTable(ctx context.Context, selector string, check Check) ([]Failure, error) {
	refs, err := it.workspace.Enumerate(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("enumerating tables: %w", err)
	}

	var (
		mu       sync.Mutex
		failures []Failure
	)
	record := func(identifier, issue string) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, Failure{Identifier: identifier, Issue: issue})
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(it.config.maxConcurrency)
	for _, ref := range refs {
		g.Go(func() error {
			detail, err := it.workspace.TableDetail(gCtx, ref)
			if err == nil {
				var (
					ok     bool
					reason string
				)
				ok, reason, err = check.Fn(gCtx, detail, ref)
				if err == nil {
					if !ok {
						record(ref.String(), reason)
					}
					return nil
				}
			}

			if it.config.abortOnCheckError {
				return fmt.Errorf("checking %s: %w", ref.String(), err)
			}
			it.logger.Warnw("table check errored",
				logfield.Check, check.Name,
				logfield.Table, ref.String(),
				logfield.Error, err.Error(),
			)
			record(ref.String(), fmt.Sprintf("check error: %v", err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Identifier != failures[j].Identifier {
			return failures[i].Identifier < failures[j].Identifier
		}
		return failures[i].Issue < failures[j].Issue
	})

	tags := stats.Tags{"check": check.Name}
	it.statsFactory.NewTaggedStat("governance_tables_checked", stats.CountType, tags).Count(len(refs))
	it.statsFactory.NewTaggedStat("governance_check_failures", stats.CountType, tags).Count(len(failures))
	it.logger.Infow("completed table check",
		logfield.Check, check.Name,
		logfield.Selector, selector,
		logfield.Failures, len(failures),
	)
	return failures, nil
}

// Identifiers projects the failures onto their identifiers, for
// assertions that only care about which tables failed.
func Identifiers(failures []Failure) []string {
	identifiers := make([]string, 0, len(failures))
	for _, f := range failures {
		identifiers = append(identifiers, f.Identifier)
	}
	return identifiers
}
