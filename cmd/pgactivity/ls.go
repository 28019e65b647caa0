package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/justjake/pgactivity/pkg/activity"
	"github.com/justjake/pgactivity/pkg/config"
	"github.com/justjake/pgactivity/pkg/observability"
)

// selection are the flags shared by commands that pick activity records.
type selection struct {
	filters    []string
	attributes []string
	limit      int
	expanded   bool
	preset     string
}

func (s *selection) register(cmd *cobra.Command, display bool) {
	f := cmd.Flags()
	f.StringArrayVarP(&s.filters, "filter", "f", nil, "filter records, e.g. 'duration__gt=1 minute' or 'context.user=ada' (repeatable)")
	f.StringVarP(&s.preset, "preset", "p", "", "use a preset from the config file")
	if !display {
		f.IntVarP(&s.limit, "limit", "l", 0, "signal at most this many backends, longest running first (ignored when pids are given; default: the preset's limit, else no limit)")
		return
	}
	f.StringArrayVarP(&s.attributes, "attribute", "a", nil, "attribute to show, e.g. query or context.user (repeatable)")
	f.IntVarP(&s.limit, "limit", "l", 0, "maximum number of records (ignored when pids are given)")
	f.BoolVarP(&s.expanded, "expanded", "e", false, "show one attribute per line")
}

func parsePids(args []string) ([]int32, error) {
	pids := make([]int32, 0, len(args))
	for _, arg := range args {
		pid, err := strconv.ParseInt(arg, 10, 32)
		if err != nil || pid <= 0 {
			return nil, usageError("%q is not a process id", arg)
		}
		pids = append(pids, int32(pid))
	}
	return pids, nil
}

// resolve merges the preset and flags and connects to the database they
// select.
func (s *selection) resolve(ctx context.Context, a *app, args []string) (config.Preset, activity.ListOptions, error) {
	pids, err := parsePids(args)
	if err != nil {
		return config.Preset{}, activity.ListOptions{}, err
	}
	if s.limit < 0 {
		return config.Preset{}, activity.ListOptions{}, usageError("--limit must not be negative")
	}
	p, err := a.cfg.Preset(s.preset, config.Preset{
		Database:   a.opts.database,
		Pids:       pids,
		Filters:    s.filters,
		Attributes: s.attributes,
		Limit:      s.limit,
		Expanded:   s.expanded,
	})
	if err != nil {
		return config.Preset{}, activity.ListOptions{}, usageError("%v", err)
	}
	filters, err := activity.ParseFilters(p.Filters)
	if err != nil {
		return config.Preset{}, activity.ListOptions{}, err
	}
	if err := a.connect(ctx, p.Database); err != nil {
		return config.Preset{}, activity.ListOptions{}, err
	}
	return p, activity.ListOptions{Filters: filters, Pids: p.Pids, Limit: p.Limit}, nil
}

func newListCommand(a *app) *cobra.Command {
	var sel selection
	var watch time.Duration
	var metricsListen string

	cmd := &cobra.Command{
		Use:     "ls [pids...]",
		Aliases: []string{"list"},
		Short:   "List activity, longest running first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, opts, err := sel.resolve(ctx, a, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			f := newFormatter(out, p.Attributes, p.Expanded)

			if watch <= 0 {
				records, err := a.reader.List(ctx, opts)
				if err != nil {
					return err
				}
				return f.write(records)
			}

			prom := a.cfg.Prometheus
			if metricsListen != "" {
				prom = config.ParsePrometheusListen(metricsListen)
			}
			srv := observability.NewMetricsServer(prom, a.registry, a.logger)
			if err := srv.Start(); err != nil {
				return err
			}
			defer srv.Shutdown(context.WithoutCancel(ctx))
			if srv.Enabled() {
				a.logger.Info("serving metrics", "addr", srv.Addr())
			}
			return watchList(ctx, a, f, opts, watch)
		},
	}
	sel.register(cmd, true)
	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "refresh the listing at this interval until interrupted")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address while watching, e.g. :9187")
	return cmd
}

func watchList(ctx context.Context, a *app, f *formatter, opts activity.ListOptions, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		records, err := a.reader.List(ctx, opts)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		f.heading(time.Now().Format(time.RFC3339) + fmt.Sprintf("  %d records", len(records)))
		if err := f.write(records); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
