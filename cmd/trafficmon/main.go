package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/trafficmon/internal/config"
	"github.com/m-lab/trafficmon/internal/emitter"
	"github.com/m-lab/trafficmon/internal/evaluator"
	"github.com/m-lab/trafficmon/internal/handler"
	"github.com/m-lab/trafficmon/internal/monitor"
	"github.com/m-lab/trafficmon/internal/recorder"
	"github.com/m-lab/trafficmon/internal/reset"
	"github.com/m-lab/trafficmon/internal/source"
	"github.com/m-lab/trafficmon/internal/store"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
	"github.com/m-lab/trafficmon/pkg/version"
)

const (
	sourceHTTP      = "http"
	sourceSimulated = "sim"
)

var (
	flagConfig       = flag.String("config", "trafficmon.yaml", "Run configuration file")
	flagSource       = flag.String("source", sourceHTTP, "Snapshot source (http|sim)")
	flagApplianceURL = flag.String("appliance", "http://localhost:8080", "Base URL of the traffic generator's HTTP API")
	flagOutputDir    = flag.String("output", "./results", "Directory to write CSV results to")
	flagName         = flag.String("name", "", "Base name of the CSV files (default: <test_id>-<start time>)")
	flagDataDir      = flag.String("datadir", "./data", "Directory to archive run results in (empty disables archival)")
	flagDB           = flag.String("db", "", "SQLite database recording the run history (empty disables it)")
	flagListen       = flag.String("listen", "", "Listen address for the result and live endpoints (empty disables them)")
	flagCacheTTL     = flag.Duration("cache-ttl", spec.DefaultRunCacheTTL, "How long finished runs are served before being archived")
	flagDebug        = flag.Bool("debug", false, "Enable debug logging")

	flagKafkaBrokers = flagx.StringArray{}
	flagKafkaTopic   = flag.String("kafka.topic", "trafficmon", "Kafka topic to publish events to")
	flagMQTTBroker   = flag.String("mqtt.broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables MQTT)")
	flagMQTTTopic    = flag.String("mqtt.topic", "trafficmon", "MQTT topic prefix")
	flagMQTTQoS      = flag.Int("mqtt.qos", 1, "MQTT QoS level")

	flagSimRate  = flag.Int64("sim.rate", 1_000_000, "Simulated bytes per snapshot for every endpoint")
	flagSimStall = flag.Int("sim.stall", 2, "Number of snapshots a simulated endpoint stalls after a reset")
	flagSeed     = flag.Int64("seed", 0, "Random seed (0 uses the current time)")
)

func init() {
	flag.Var(&flagKafkaBrokers, "kafka.brokers", "Kafka broker addresses (empty disables Kafka)")
}

// snapshotSource is both a monitor.Source and a reset.Disrupter.
type snapshotSource interface {
	monitor.Source
	reset.Disrupter
}

func newSource(cfg *config.Run, rnd *rand.Rand) snapshotSource {
	switch *flagSource {
	case sourceHTTP:
		return source.NewHTTP(*flagApplianceURL, &http.Client{})
	case sourceSimulated:
		rates := map[string]int64{}
		for _, ep := range cfg.Endpoints() {
			rates[ep.ID] = *flagSimRate
		}
		return source.NewSimulated(rates, *flagSimStall, rnd)
	}
	log.Fatal("unknown source", "source", *flagSource)
	return nil
}

// members returns the identifiers the scheduler of g disrupts. The simulated
// source only knows about endpoint ids, so port names are ignored.
func members(g *config.Group) []string {
	if *flagSource == sourceSimulated {
		ids := make([]string, 0, len(g.Endpoints))
		for _, ep := range g.Endpoints {
			ids = append(ids, ep.ID)
		}
		return ids
	}
	return g.Members()
}

func newEmitter(h *handler.Handler) (emitter.Emitter, func()) {
	em := emitter.Multi{emitter.HumanReadable{}, emitter.Prometheus{}, h}
	closers := []func() error{}
	if len(flagKafkaBrokers) > 0 {
		k := emitter.NewKafka(flagKafkaBrokers, *flagKafkaTopic)
		em = append(em, k)
		closers = append(closers, k.Close)
		log.Info("publishing events to kafka", "brokers", strings.Join(flagKafkaBrokers, ","),
			"topic", *flagKafkaTopic)
	}
	if *flagMQTTBroker != "" {
		m, err := emitter.DialMQTT(*flagMQTTBroker, "trafficmon-"+uuid.NewString(),
			*flagMQTTTopic, byte(*flagMQTTQoS))
		rtx.Must(err, "cannot connect to MQTT broker %s", *flagMQTTBroker)
		em = append(em, m)
		closers = append(closers, m.Close)
		log.Info("publishing events to mqtt", "broker", *flagMQTTBroker,
			"topic", *flagMQTTTopic)
	}
	return em, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("cannot close publisher", "error", err)
			}
		}
	}
}

// httpServer returns a *http.Server with an explicit read timeout.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: time.Minute,
		// The live stream stays open for the whole run, so there is no
		// write timeout.
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	rtx.Must(config.LoadEnv(".env"), "cannot load .env")
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "cannot parse flags from environment")

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("trafficmon", "version", version.Version)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	cfg, err := config.Load(*flagConfig)
	rtx.Must(err, "cannot load run configuration from %s", *flagConfig)

	seed := *flagSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))

	src := newSource(cfg, rnd)
	endpoints := cfg.Endpoints()
	ev := evaluator.New(endpoints, cfg.Direction, evaluator.Thresholds(cfg.Expectations))

	start := time.Now()
	name := *flagName
	if name == "" {
		name = cfg.TestConfig.ID() + "-" + start.Format("20060102-150405")
	}
	rec, err := recorder.Create(*flagOutputDir, name, cfg.TestConfig.Keys(), ev.Columns())
	rtx.Must(err, "cannot create CSV files in %s", *flagOutputDir)
	defer rec.Close()

	schedulers := make([]*reset.Scheduler, 0, len(cfg.Groups))
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		min, max := g.ResetTicks(spec.TickInterval)
		s, err := reset.New(g.Name, members(g), min, max, g.Reset.Enabled,
			rand.New(rand.NewSource(rnd.Int63())), src)
		rtx.Must(err, "cannot create reset scheduler for group %s", g.Name)
		schedulers = append(schedulers, s)
	}

	h := handler.New(*flagDataDir, *flagCacheTTL)
	em, closePublishers := newEmitter(h)
	defer closePublishers()

	var srv *http.Server
	if *flagListen != "" {
		mux := http.NewServeMux()
		mux.Handle(spec.ResultPath, http.HandlerFunc(h.Result))
		mux.Handle(spec.LivePath, http.HandlerFunc(h.Live))
		srv = httpServer(*flagListen, mux)
		log.Info("About to listen for result requests", "endpoint", *flagListen)
		go func() {
			err := srv.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				rtx.Must(err, "Could not start result server")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := monitor.New(monitor.Config{
		ID:              uuid.NewString(),
		Duration:        time.Duration(cfg.Duration),
		PollInterval:    time.Duration(cfg.PollInterval),
		Tick:            spec.TickInterval,
		SnapshotTimeout: time.Duration(cfg.SnapshotTimeout),
		Direction:       cfg.Direction,
		TestConfig:      cfg.TestConfig,
		Endpoints:       endpoints,
	}, src, ev, rec, schedulers, em)

	result, runErr := m.Run(ctx)
	if result != nil && *flagDB != "" {
		saveRun(result)
	}

	// Closing the handler archives every run it still holds.
	if srv != nil {
		srv.Close()
	}
	h.Close()

	return exitCode(result, runErr)
}

// Exit codes of the trafficmon command.
const (
	exitPass     = 0
	exitFail     = 1
	exitFatal    = 2
	exitCanceled = 3
)

func exitCode(result *model.RunResult, err error) int {
	switch {
	case err != nil:
		log.Error("run failed", "error", err)
		return exitFatal
	case result.Canceled:
		log.Warn("run canceled", "id", result.ID, "intervals", result.Intervals)
		return exitCanceled
	case !result.Pass():
		return exitFail
	}
	return exitPass
}

func saveRun(result *model.RunResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := store.Open(ctx, *flagDB)
	if err != nil {
		log.Error("cannot open run history", "db", *flagDB, "error", err)
		return
	}
	defer db.Close()
	if err := db.SaveRun(ctx, result); err != nil {
		log.Error("cannot save run", "id", result.ID, "error", err)
		return
	}
	st, err := db.StatsByTestID(ctx, result.Config.ID())
	if err != nil {
		log.Warn("cannot read run history", "error", err)
		return
	}
	log.Info("run history", "test_id", result.Config.ID(), "runs", st.Runs,
		"passed", st.PassedRuns, "best_aggregate", st.BestAggregate)
}
