// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/sustainable-computing-io/pmcmon/internal/device"
	"github.com/sustainable-computing-io/pmcmon/internal/metric"
	"github.com/sustainable-computing-io/pmcmon/internal/monitor"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
	"github.com/sustainable-computing-io/pmcmon/internal/service"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
	Monitor     = monitor.Service
)

// Exporter prints each tick of counter data to stdout as tables
type Exporter struct {
	logger   *slog.Logger
	monitor  Monitor
	out      io.WriteCloser
	ticker   *time.Ticker
	interval time.Duration
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	interval time.Duration
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		interval: 2 * time.Second,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger of the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func NewExporter(pm Monitor, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		monitor:  pm,
		out:      opts.out,
		interval: opts.interval,
	}
}

func (e *Exporter) Init() error {
	if e.interval <= 0 {
		return fmt.Errorf("invalid stdout interval %s", e.interval)
	}
	e.ticker = time.NewTicker(e.interval)
	writeCoreTypes(e.out, e.monitor.CoreTypes())
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	defer e.ticker.Stop()
	for {
		select {
		case now := <-e.ticker.C:
			snapshot, err := e.monitor.Snapshot()
			if err != nil {
				e.logger.Error("Failed to collect counter data", "error", err)
				continue
			}
			write(e.out, now, e.monitor.Client(), snapshot)
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

func write(out io.Writer, now time.Time, client metric.Client, snapshot *monitor.Snapshot) {
	_, _ = fmt.Fprintf(out, "%s %s\n", now.Format(time.RFC3339), client.Name)
	writeValues(out, snapshot.Result)
	writePower(out, snapshot.Power)
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header(header)
	return table
}

func writeCoreTypes(out io.Writer, coreTypes []pmu.CoreType) {
	rows := make([][]string, 0, len(coreTypes))
	for _, ct := range coreTypes {
		rows = append(rows, []string{
			ct.Label,
			fmt.Sprintf("0x%02x", ct.TypeTag),
			ct.Processors.String(),
			strconv.Itoa(ct.CoreCount),
			strconv.Itoa(ct.CounterCapacity),
			strconv.Itoa(ct.CounterWidth),
			fmt.Sprintf("%03b", ct.FixedCounterMask),
			strconv.Itoa(ct.RetirementWidth),
			strconv.FormatBool(ct.Degraded),
		})
	}
	table := newTable(out, []string{
		"Core Type", "Tag", "Processors", "Cores", "Counters", "Width", "Fixed", "Retire", "Degraded",
	})
	_ = table.Bulk(rows)
	_ = table.Render()
}

// writeValues prints the client values of every thread followed by the total
func writeValues(out io.Writer, result metric.Result) {
	values := func(vs []metric.Value) []string {
		row := make([]string, len(result.Names))
		for i := range row {
			row[i] = metric.NotAvailable
			if i < len(vs) {
				row[i] = vs[i].String()
			}
		}
		return row
	}

	rows := make([][]string, 0, len(result.Threads)+1)
	for _, tv := range result.Threads {
		rows = append(rows, append([]string{strconv.Itoa(tv.CPU), tv.CoreType}, values(tv.Values)...))
	}
	rows = append(rows, append([]string{"total", ""}, values(result.Total)...))

	table := newTable(out, append([]string{"CPU", "Core Type"}, result.Names...))
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writePower(out io.Writer, power pmu.PowerReading) {
	watts := func(w float64) string {
		if !power.Valid {
			return metric.NotAvailable
		}
		return device.PowerFromWatts(w).String()
	}

	rows := [][]string{
		{"package", watts(power.PackageWatts), power.PackageEnergy.String()},
		{string(power.Domain), watts(power.DomainWatts), power.DomainEnergy.String()},
	}
	table := newTable(out, []string{"Domain", "Power(W)", "Energy(J)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func (e *Exporter) Shutdown() error {
	return e.out.Close()
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}
