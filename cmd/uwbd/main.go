// Command uwbd runs the UWB localisation service: it drives the anchors over
// the tag's serial link, tracks the tag and serves diagnostics over HTTP and
// gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/api"
	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/db"
	"github.com/banshee-data/uwb.report/internal/health"
	"github.com/banshee-data/uwb.report/internal/pipeline"
	"github.com/banshee-data/uwb.report/internal/radio"
	"github.com/banshee-data/uwb.report/internal/serialmux"
	"github.com/banshee-data/uwb.report/internal/telemetry"
	"github.com/banshee-data/uwb.report/internal/timeutil"
	"github.com/banshee-data/uwb.report/internal/units"
	"github.com/banshee-data/uwb.report/internal/version"
)

var (
	simMode     = flag.Bool("sim", false, "Run against the built-in radio simulator instead of a serial port")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen  = flag.String("grpc-listen", "", "gRPC telemetry listen address (empty disables)")
	port        = flag.String("port", "/dev/ttyUSB0", "Serial port of the tag module (ignored with --sim)")
	baudRate    = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	profile     = flag.String("profile", "outdoor", "Built-in deployment profile: outdoor or indoor")
	configFile  = flag.String("config", "", "JSON tuning file (overrides --profile)")
	dbPath      = flag.String("db-path", "uwb.db", "SQLite database path (empty disables persistence)")
	rangingCSV  = flag.String("ranging-csv", "", "Write every exchange to this CSV file")
	udpMetrics  = flag.String("udp-metrics", "", "Send telemetry datagrams to host:port (overrides the config)")
	speedUnits  = flag.String("units", units.MPS, "Default speed units for the API: "+units.GetValidUnitsString())
	simDropout  = flag.Float64("sim-dropout", 0.02, "Simulator: probability a poll goes unanswered")
	simSeed     = flag.Uint64("sim-seed", 1, "Simulator: random seed")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// options is everything run needs; main fills it from flags.
type options struct {
	sim        bool
	listen     string
	grpcListen string
	port       string
	baudRate   int
	profile    string
	configFile string
	dbPath     string
	rangingCSV string
	udpMetrics string
	units      string
	simConfig  radio.SimConfig

	// onStall runs when the control loop stops making progress.
	onStall func(error)
	// ready, if set, receives the HTTP address once serving.
	ready chan<- net.Addr
}

func optionsFromFlags() options {
	sc := radio.DefaultSimConfig()
	sc.DropoutProb = *simDropout
	sc.Seed = *simSeed
	return options{
		sim:        *simMode,
		listen:     *listen,
		grpcListen: *grpcListen,
		port:       *port,
		baudRate:   *baudRate,
		profile:    *profile,
		configFile: *configFile,
		dbPath:     *dbPath,
		rangingCSV: *rangingCSV,
		udpMetrics: *udpMetrics,
		units:      *speedUnits,
		simConfig:  sc,
		onStall: func(err error) {
			log.Printf("control loop stalled: %v", err)
			health.Restart()
		},
	}
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		path := fs.String("db-path", "uwb.db", "Path to database file")
		fs.Parse(os.Args[2:])
		if err := db.RunMigrateCommand(fs.Args(), *path, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	flag.Parse()
	if *showVersion {
		fmt.Println("uwbd", version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !units.IsValid(*speedUnits) {
		log.Fatalf("invalid --units %q, must be one of: %s", *speedUnits, units.GetValidUnitsString())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, optionsFromFlags()); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadSystem resolves the deployment from a tuning file or a built-in
// profile.
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

// openSerial returns the module link: a real port, or an in-memory port
// answered by the simulator.
func openSerial(o options, sys *config.System) (serialmux.SerialMuxInterface, error) {
	if o.sim {
		sim := radio.NewSimulator(sys, o.simConfig, time.Now())
		log.Printf("using simulated radio (dropout=%.2f seed=%d)", o.simConfig.DropoutProb, o.simConfig.Seed)
		return serialmux.NewSerialMux(radio.NewSimulatedPort(sim)), nil
	}
	m, err := serialmux.NewRealSerialMux(o.port, serialmux.PortOptions{BaudRate: o.baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", o.port, err)
	}
	return m, nil
}

func run(ctx context.Context, o options) error {
	sys, err := loadSystem(o.profile, o.configFile)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	link, err := openSerial(o, sys)
	if err != nil {
		return err
	}
	defer link.Close()
	if err := link.Initialise(sys.TagID); err != nil {
		return fmt.Errorf("failed to initialise tag module: %w", err)
	}
	tr := radio.NewSerialTransceiver(link, radio.DefaultMailboxSize)

	sessionID := uuid.NewString()
	pub := telemetry.NewPublisher(sys.TelemetryEvery)
	clock := timeutil.RealClock{}
	opts := pipeline.Options{SessionID: sessionID, Publisher: pub}

	var database *db.DB
	var counters map[int]anchor.Counters
	if o.dbPath != "" {
		database, err = db.NewDB(o.dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		counters, err = database.LoadCounters(ctx)
		if err != nil {
			log.Printf("starting with zero anchor counters: %v", err)
		}
		sess := db.Session{ID: sessionID, StartedAt: clock.Now().UTC(), Profile: sys.Profile, TagID: sys.TagID, Version: version.Version}
		if err := database.CreateSession(ctx, sess); err != nil {
			log.Printf("failed to record session: %v", err)
		}
		opts.Store = database
	}

	if o.rangingCSV != "" {
		f, err := os.OpenFile(o.rangingCSV, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open ranging log: %w", err)
		}
		defer f.Close()
		if opts.Ranging, err = telemetry.NewRangingWriter(f); err != nil {
			return err
		}
	}

	opts.Watchdog = health.NewWatchdog(clock, sys.WatchdogTimeout, o.onStall)
	eng := pipeline.New(sys, clock, tr, opts)
	if len(counters) > 0 {
		eng.Registry().LoadCounters(counters)
	}
	log.Printf("uwbd %s session %s profile=%s tag=%d", version.Version, sessionID, sys.Profile, sys.TagID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	goRoutine := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	// run the monitor routine to manage IO on the serial port
	goRoutine("monitor", link.Monitor)
	goRoutine("receiver", tr.Run)
	goRoutine("watchdog", opts.Watchdog.Run)
	goRoutine("pipeline", func(ctx context.Context) error {
		err := eng.Run(ctx)
		// The pipeline owns the publisher; nothing is published after Run.
		pub.Close()
		return err
	})

	udpAddr := o.udpMetrics
	if udpAddr == "" && sys.UDPMetrics {
		udpAddr = sys.UDPMetricsAddr
	}
	if udpAddr != "" {
		sink, err := telemetry.DialUDP(udpAddr)
		if err != nil {
			log.Printf("UDP metrics disabled: %v", err)
		} else {
			defer sink.Close()
			goRoutine("udp-metrics", func(ctx context.Context) error { return sink.Run(ctx, pub) })
		}
	}

	if o.grpcListen != "" {
		gs := telemetry.NewServer(pub)
		if err := gs.Start(o.grpcListen); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("gRPC telemetry: %w", err)
		}
		goRoutine("grpc", func(ctx context.Context) error {
			<-ctx.Done()
			gs.Stop()
			return nil
		})
	}

	// HTTP server goroutine
	mux := api.NewServer(eng, pub, database, o.units).ServeMux()
	link.AttachAdminRoutes(mux)
	if database != nil {
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("database admin routes disabled: %v", err)
		}
	}
	lis, err := net.Listen("tcp", o.listen)
	if err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("failed to listen on %s: %w", o.listen, err)
	}
	server := &http.Server{Handler: api.LoggingMiddleware(mux)}
	goRoutine("http", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			log.Println("shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				// Force close the server if graceful shutdown fails
				server.Close()
			}
		}()
		log.Printf("HTTP listening on %s", lis.Addr())
		if o.ready != nil {
			o.ready <- lis.Addr()
		}
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	wg.Wait()
	return nil
}
