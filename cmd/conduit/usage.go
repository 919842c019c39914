package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"text/tabwriter"
	"time"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/dbpool"
	"github.com/conduit-llm/conduit/pkg/odometer"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// UsageCmd reports token usage from the durable event log.
type UsageCmd struct {
	GroupBy string `name:"group-by" help:"Aggregation axis." enum:"provider,model,host,date" default:"provider"`
	Start   string `help:"Inclusive start date (YYYY-MM-DD)."`
	End     string `help:"Inclusive end date (YYYY-MM-DD)."`
	Overall bool   `help:"Print overall totals instead of a grouped report."`
}

func (c *UsageCmd) Run(cli *CLI) error {
	cfg, cleanup, err := loadConfig(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	if !databaseConfigured(&cfg.Database) {
		return protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("no usage database configured (set %s or database in config)", config.EnvDatabaseDSN))
	}
	db, err := dbpool.Get(&cfg.Database)
	if err != nil {
		return err
	}
	defer dbpool.Shutdown()

	o, err := odometer.NewSQLOdometer(db, cfg.Database.DriverName())
	if err != nil {
		return err
	}

	ctx := context.Background()
	if c.Overall {
		return c.printOverall(ctx, o)
	}
	return c.printGrouped(ctx, o)
}

func (c *UsageCmd) printOverall(ctx context.Context, o *odometer.SQLOdometer) error {
	stats, err := o.GetOverallStats(ctx)
	if err != nil {
		return err
	}
	if stats.TotalEvents == 0 {
		fmt.Println("No usage recorded.")
		return nil
	}

	fmt.Printf("Events:        %d\n", stats.TotalEvents)
	fmt.Printf("Input tokens:  %d\n", stats.InputTokens)
	fmt.Printf("Output tokens: %d\n", stats.OutputTokens)
	fmt.Printf("Providers:     %d\n", stats.Providers)
	fmt.Printf("Models:        %d\n", stats.Models)
	fmt.Printf("First event:   %s\n", time.Unix(stats.FirstEventS, 0).Format("2006-01-02 15:04:05"))
	fmt.Printf("Last event:    %s\n", time.Unix(stats.LastEventS, 0).Format("2006-01-02 15:04:05"))
	return nil
}

func (c *UsageCmd) printGrouped(ctx context.Context, o *odometer.SQLOdometer) error {
	rows, err := o.GetAggregates(ctx, odometer.GroupBy(c.GroupBy), c.Start, c.End)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No usage recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "%s\tINPUT\tOUTPUT\tEVENTS\n", c.GroupBy)
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", row.Key, row.InputTokens, row.OutputTokens, row.Events)
	}
	return w.Flush()
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("conduit version %s\n", version)
	return nil
}
