package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-edge/internal/cache"
	"github.com/any-hub/offline-edge/internal/logging"
)

// GenerationReport 记录单个过期代际的迁移结果。
type GenerationReport struct {
	Name          string   `json:"name"`
	ShellReplaced bool     `json:"shell_replaced"`
	Added         []string `json:"added,omitempty"`
	Failed        []string `json:"failed,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// MigrationReport 汇总一次 PrepareForUpdate。
type MigrationReport struct {
	Latest      string             `json:"latest,omitempty"`
	Generations []GenerationReport `json:"generations,omitempty"`
}

// PrepareForUpdate 让每个过期代际都能服务最新的壳文档与最新代际的全部资源。
// 各代际并发处理且互不影响，全部结束后才返回。
func (c *Controller) PrepareForUpdate(ctx context.Context) (MigrationReport, error) {
	target := c.Target()
	report := MigrationReport{}
	if target == "" {
		return report, nil
	}

	names, err := c.store.Names(ctx)
	if err != nil {
		return report, fmt.Errorf("list generations: %w", err)
	}
	set := cache.Classify(names, target)
	if !set.HasLatest() || len(set.Outdated) == 0 {
		return report, nil
	}
	report.Latest = set.Latest

	latest, err := c.store.Lookup(ctx, set.Latest)
	if err != nil {
		return report, fmt.Errorf("open latest generation: %w", err)
	}
	latestKeys, err := latest.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list latest keys: %w", err)
	}

	shellKey := cache.ShellKey(latestKeys)
	var shellResp *cache.Response
	if shellKey != nil {
		shellResp, err = latest.Match(ctx, shellKey, cache.MatchOptions{IgnoreVary: true})
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return report, fmt.Errorf("read latest shell: %w", err)
		}
	}

	otherKeys := make([]*cache.Request, 0, len(latestKeys))
	for _, key := range latestKeys {
		if shellKey != nil && key.URL == shellKey.URL {
			continue
		}
		otherKeys = append(otherKeys, key)
	}

	report.Generations = make([]GenerationReport, len(set.Outdated))
	var g errgroup.Group
	for i, name := range set.Outdated {
		g.Go(func() error {
			report.Generations[i] = c.migrateGeneration(ctx, name, shellResp, otherKeys)
			return nil
		})
	}
	_ = g.Wait()

	added, failed := 0, 0
	for _, gen := range report.Generations {
		added += len(gen.Added)
		failed += len(gen.Failed)
	}
	c.metrics.ObserveMigration(added, failed)
	fields := logging.GenerationFields("migrate", set.Latest)
	fields["outdated"] = set.Outdated
	fields["added"] = added
	fields["failed"] = failed
	c.logger.WithFields(fields).Info("migration_completed")
	return report, nil
}

func (c *Controller) migrateGeneration(ctx context.Context, name string, shellResp *cache.Response, latestKeys []*cache.Request) GenerationReport {
	result := GenerationReport{Name: name}
	fields := logging.GenerationFields("migrate", name)

	gen, err := c.store.Lookup(ctx, name)
	if err != nil {
		result.Error = err.Error()
		c.logger.WithError(err).WithFields(fields).Warn("migration_open_failed")
		return result
	}
	keys, err := gen.Keys(ctx)
	if err != nil {
		result.Error = err.Error()
		c.logger.WithError(err).WithFields(fields).Warn("migration_keys_failed")
		return result
	}

	if ownShell := cache.ShellKey(keys); ownShell != nil && shellResp != nil {
		if err := gen.Put(ctx, ownShell, shellResp.Clone()); err != nil {
			c.logger.WithError(err).WithFields(fields).Warn("migration_shell_failed")
		} else {
			result.ShellReplaced = true
		}
	}

	present := cache.KeySet(keys)
	var missing []*cache.Request
	for _, key := range latestKeys {
		if _, ok := present[key.URL]; !ok {
			missing = append(missing, key)
		}
	}

	outcomes := make([]error, len(missing))
	var g errgroup.Group
	g.SetLimit(c.migrationConcurrency())
	for i, key := range missing {
		g.Go(func() error {
			outcomes[i] = cache.Add(ctx, gen, c.fetcher, &cache.Request{Method: "GET", URL: key.URL})
			return nil
		})
	}
	_ = g.Wait()

	for i, key := range missing {
		if err := outcomes[i]; err != nil {
			result.Failed = append(result.Failed, key.URL)
			c.logger.WithError(err).WithFields(logrus.Fields{
				"action":     "migrate",
				"generation": name,
				"url":        key.URL,
			}).Warn("migration_entry_failed")
			continue
		}
		result.Added = append(result.Added, key.URL)
	}
	return result
}
