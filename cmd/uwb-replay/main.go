// Command uwb-replay re-runs a recorded ranging log through the localisation
// pipeline and writes the resulting positions and an occupancy heatmap.
//
// Usage:
//
//	go run ./cmd/uwb-replay -in ranging.csv [flags]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/db"
	"github.com/banshee-data/uwb.report/internal/replay"
	"github.com/banshee-data/uwb.report/internal/report"
	"github.com/banshee-data/uwb.report/internal/telemetry"
	"github.com/banshee-data/uwb.report/internal/version"
)

type options struct {
	in         string
	profile    string
	configFile string
	positions  string
	heatmap    string
	dbPath     string
	session    string
}

func main() {
	var o options
	flag.StringVar(&o.in, "in", "", "Ranging CSV to replay (required)")
	flag.StringVar(&o.profile, "profile", "outdoor", "Built-in deployment profile: outdoor or indoor")
	flag.StringVar(&o.configFile, "config", "", "JSON tuning file (overrides --profile)")
	flag.StringVar(&o.positions, "positions", "", "Write valid positions to this CSV file")
	flag.StringVar(&o.heatmap, "heatmap", "", "Write an occupancy heatmap PNG to this path")
	flag.StringVar(&o.dbPath, "db-path", "", "Store the replayed session in this SQLite database")
	flag.StringVar(&o.session, "session", "", "Session ID for stored records (default: random)")
	flag.Parse()

	if o.in == "" {
		log.Fatal("Error: -in flag is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, o, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func loadSystem(profileName, path string) (*config.System, error) {
	var (
		cfg *config.TuningConfig
		err error
	)
	if path != "" {
		cfg, err = config.LoadTuningConfig(path)
	} else {
		cfg, err = config.BuiltinProfile(profileName)
	}
	if err != nil {
		return nil, err
	}
	return cfg.Resolve()
}

func run(ctx context.Context, o options, out io.Writer) error {
	sys, err := loadSystem(o.profile, o.configFile)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	f, err := os.Open(o.in)
	if err != nil {
		return fmt.Errorf("failed to open ranging log: %w", err)
	}
	rows, err := telemetry.ReadRanging(f)
	f.Close()
	if err != nil {
		return err
	}

	if o.session == "" {
		o.session = uuid.NewString()
	}
	ro := replay.Options{SessionID: o.session}

	if o.positions != "" {
		pf, err := os.Create(o.positions)
		if err != nil {
			return fmt.Errorf("failed to create positions file: %w", err)
		}
		defer pf.Close()
		if ro.Positions, err = telemetry.NewPositionWriter(pf); err != nil {
			return err
		}
	}

	if o.dbPath != "" {
		database, err := db.NewDB(o.dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		started := time.Now().UTC()
		if len(rows) > 0 {
			started = rows[0].At.UTC()
		}
		sess := db.Session{ID: o.session, StartedAt: started, Profile: sys.Profile, TagID: sys.TagID, Version: version.Version}
		if err := database.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to record session: %w", err)
		}
		ro.Store = database
	}

	res, err := replay.Run(ctx, sys, rows, ro)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "session %s: %d cycles, %d valid positions, %d rows skipped\n",
		o.session, res.Cycles, res.Valid, res.Skipped)
	fmt.Fprintf(out, "solver: fixes=%d insufficient=%d degenerate=%d\n",
		res.Status.Solver.Fixes, res.Status.Solver.Insufficient, res.Status.Solver.Degenerate)
	for _, ev := range res.Events {
		fmt.Fprintf(out, "%s  %s -> %s (dwell %s)\n",
			ev.At.UTC().Format(time.RFC3339), ev.From, ev.To, ev.Dwell.Round(time.Millisecond))
	}

	if o.heatmap != "" {
		p, grid, err := report.Render(res.Points, report.OptionsFor(sys, fmt.Sprintf("Replay %s", o.session)))
		if err != nil {
			return fmt.Errorf("failed to render heatmap: %w", err)
		}
		if err := report.SavePNG(o.heatmap, p); err != nil {
			return err
		}
		fmt.Fprintf(out, "heatmap: %s (%d inside, %d outside)\n", o.heatmap, grid.Total, grid.Outside)
	}
	return nil
}
