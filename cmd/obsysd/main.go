// Command obsysd is the observatory federation control daemon: it binds the
// five TCP listeners plus the UDP environment socket, builds the federation
// controller over the configured observation systems, and drives them until
// SIGINT/SIGTERM. Exit codes: 0 normal, 1 daemonization failure, 2 PID lock
// contention.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sys/unix"

	"obsysd/internal/astro"
	"obsysd/internal/config"
	"obsysd/internal/duration"
	"obsysd/internal/envaggregator"
	"obsysd/internal/federation"
	"obsysd/internal/obss"
	"obsysd/internal/planstore"
	"obsysd/internal/protocol"
	"obsysd/internal/tcpfront"
	"obsysd/internal/telemetry/events"
	"obsysd/internal/telemetry/logging"
	"obsysd/internal/telemetry/metrics"
	"obsysd/internal/wire"
)

func main() {
	var (
		emitDefault   bool
		defaultFormat string
		configPath    string
		pidPath       string
		logDir        string
	)
	flag.BoolVar(&emitDefault, "d", false, "write a default configuration file to stdout and exit")
	flag.StringVar(&defaultFormat, "format", "xml", "format for -d output: xml or yaml")
	flag.StringVar(&configPath, "c", "/etc/obsysd/obsysd.xml", "configuration file path")
	flag.StringVar(&pidPath, "pid", "/var/run/obsysd.pid", "PID lock file path")
	flag.StringVar(&logDir, "log-dir", "/var/log/obsysd", "daily log file directory")
	flag.Parse()

	if emitDefault {
		var err error
		if defaultFormat == "yaml" {
			err = config.WriteDefaultYAML(os.Stdout)
		} else {
			err = config.WriteDefault(os.Stdout)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	os.Exit(run(configPath, pidPath, logDir))
}

func run(configPath, pidPath, logDir string) int {
	pidFile, code := acquirePIDLock(pidPath)
	if code != 0 {
		return code
	}
	defer releasePIDLock(pidFile, pidPath)

	writer, err := logging.NewRotatingWriter(logDir, "obsysd")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer writer.Close()
	log := logging.New(slog.New(slog.NewJSONHandler(writer, nil)))

	source := config.NewFileSource(configPath)
	cfg, err := source.Load()
	if err != nil {
		log.Error("configuration load failed", "err", err)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.NTP.Enable {
		// Clock discipline itself is the external NTP collaborator's job;
		// the daemon only records the handoff.
		log.Info("ntp discipline delegated", "host", cfg.NTP.Host, "sync_on_diff_max_ms", cfg.NTP.SyncOnDiffMax)
	}

	provider := metrics.NewPrometheusProvider(nil)
	bus := events.NewBus(provider)

	store := planstore.New(&planEventSink{bus: bus})
	fed := federation.New(store, log)
	env := envaggregator.New(fed.CloseSlit)

	groupByID := make(map[string]config.GroupConfig, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groupByID[g.GroupID] = g
		env.Configure(g.GroupID, envaggregator.GroupThresholds{
			UseRainfall:  g.Environment.RainfallUse,
			UseWindSpeed: g.Environment.WindSpeedUse,
			MaxWindSpeed: g.Environment.WindSpeedMaxPermit,
			UseCloud:     g.Environment.CloudCameraUse,
			MaxCloudPct:  g.Environment.CloudCameraMaxPercent,
			UseDomeSlit:  g.Dome.Slit,
		})
	}

	fed.SetAllowed(func(gid, uid string) bool {
		_, ok := groupByID[gid]
		return ok
	})
	fed.SetFactory(func(gid, uid string) *obss.OBSS {
		g := groupByID[gid]
		o := obss.New(paramsFor(g, uid), store, log)
		o.StartCalibrationGenerator(store)
		return o
	})

	router := protocol.New(fed, env, log)
	router.P2HFor = func(gid string, class tcpfront.PeerClass) bool {
		g, ok := groupByID[gid]
		if !ok {
			return false
		}
		switch class {
		case tcpfront.PeerMount:
			return g.P2H.Mount
		case tcpfront.PeerCamera:
			return g.P2H.Camera
		case tcpfront.PeerMountAnnex:
			return g.P2H.MountAnnex
		case tcpfront.PeerCameraAnnex:
			return g.P2H.CameraAnnex
		default:
			return false
		}
	}

	classifier := duration.New(log, &slitGate{fed: fed, env: env})
	for _, g := range cfg.Groups {
		gid := g.GroupID
		classifier.Register(&duration.Group{
			GID:         gid,
			Site:        siteFor(g),
			AltDay:      g.SunCenterAlt.DaylightMin,
			AltNight:    g.SunCenterAlt.NightMax,
			UseDomeSlit: g.Dome.Slit,
			MembersFn:   func() []*obss.OBSS { return fed.Matching(gid, "") },
		})
	}

	front := tcpfront.New(log, router.Handle, router.HandleEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := front.Start(ctx, tcpfront.Ports{
		Client:      cfg.Server.Client,
		Mount:       cfg.Server.Mount,
		Camera:      cfg.Server.Camera,
		MountAnnex:  cfg.Server.MountAnnex,
		CameraAnnex: cfg.Server.CameraAnnex,
		Environment: cfg.Server.Environment,
	}); err != nil {
		log.Error("listener bind failed", "err", err)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer front.Stop()

	classifier.Start(ctx)
	defer classifier.Stop()

	stopSweep := make(chan struct{})
	go store.RunDailySweep(stopSweep, nil)
	defer close(stopSweep)

	stopWatch, err := source.Watch(func(next *config.Config) {
		// Listener ports and OBSS identity are fixed for the process life;
		// only environment thresholds take effect on reload.
		for _, g := range next.Groups {
			env.Configure(g.GroupID, envaggregator.GroupThresholds{
				UseRainfall:  g.Environment.RainfallUse,
				UseWindSpeed: g.Environment.WindSpeedUse,
				MaxWindSpeed: g.Environment.WindSpeedMaxPermit,
				UseCloud:     g.Environment.CloudCameraUse,
				MaxCloudPct:  g.Environment.CloudCameraMaxPercent,
				UseDomeSlit:  g.Dome.Slit,
			})
		}
		log.Info("configuration reloaded", "path", configPath)
	})
	if err != nil {
		log.Warn("config hot-reload unavailable", "err", err)
	} else {
		defer stopWatch()
	}

	go observe(ctx, bus, provider, fed, store, front, log)

	if _, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", "err", err)
	}
	log.Info("obsysd ready",
		"client_port", cfg.Server.Client, "mount_port", cfg.Server.Mount,
		"camera_port", cfg.Server.Camera, "groups", len(cfg.Groups))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("signal received, shutting down")
	go func() {
		<-sigCh
		os.Exit(1)
	}()
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)

	for _, o := range fed.Matching("", "") {
		o.Stop()
	}
	return 0
}

// acquirePIDLock takes an exclusive flock on the PID file, the process
// singleton guard.
func acquirePIDLock(path string) (*os.File, int) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, 1
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		fmt.Fprintf(os.Stderr, "obsysd: pid lock %s held by another process\n", path)
		f.Close()
		return nil, 2
	}
	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f, 0
}

func releasePIDLock(f *os.File, path string) {
	if f == nil {
		return
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
	_ = os.Remove(path)
}

func paramsFor(g config.GroupConfig, uid string) obss.Params {
	return obss.Params{
		GID:                 g.GroupID,
		UID:                 uid,
		SiteLatDeg:          g.Site.Lat,
		SiteLonDeg:          g.Site.Lon,
		TZOffsetHours:       g.Site.TZ,
		AltLimitDeg:         g.AltLimit,
		Robotic:             g.RoboticEnable,
		AutoBias:            g.NormalFlow.BiasUse,
		AutoDark:            g.NormalFlow.DarkUse,
		AutoFlat:            g.NormalFlow.FlatUse,
		AutoFrmCnt:          g.NormalFlow.FrameCount,
		AutoExpDur:          float64(g.NormalFlow.DurationSecs),
		UseDomeSlit:         g.Dome.Slit,
		UseHomeSync:         g.Mount.HomeSync,
		UseGuide:            g.Mount.Guide,
		SlewToleranceArcmin: g.SlewTolerance,
		UseMirrorCover:      g.MirrorCover.Use,
		MirrorCoverOperator: g.MirrorCover.Operator,
		DomeSlitOperator:    g.Dome.Operator,
	}
}

func siteFor(g config.GroupConfig) astro.Site {
	return astro.Site{LatDeg: g.Site.Lat, LonDeg: g.Site.Lon}
}

// slitGate adapts the federation and environment aggregator to the duration
// classifier's SlitCommander contract.
type slitGate struct {
	fed *federation.Controller
	env *envaggregator.Aggregator
}

func (s *slitGate) CloseSlit(gid string) { s.fed.CloseSlit(gid) }
func (s *slitGate) OpenSlit(gid string)  { s.fed.OpenSlit(gid) }
func (s *slitGate) Safe(gid string) bool {
	r, ok := s.env.Record(gid)
	return ok && r.Safe
}

// planEventSink publishes terminal plan transitions onto the event bus; the
// external database-upload collaborator subscribes to the bus instead of
// being called synchronously from under the plan store lock.
type planEventSink struct{ bus events.Bus }

func (s *planEventSink) ReportPlanState(p *planstore.Plan, old wire.PlanState) {
	_ = s.bus.Publish(events.Event{
		Category: events.CategoryPlan,
		Type:     "plan_" + p.State.String(),
		Severity: "info",
		GID:      p.GID,
		UID:      p.UID,
		Fields: map[string]any{
			"plan_sn":   p.PlanSN,
			"old_state": old.String(),
			"new_state": p.State.String(),
		},
	})
}

// observe drains the event bus into the log and keeps the gauge instruments
// current.
func observe(ctx context.Context, bus events.Bus, provider metrics.Provider, fed *federation.Controller, store *planstore.Store, front *tcpfront.Front, log logging.Logger) {
	plansActive := provider.NewGauge(metrics.CommonOpts{Namespace: "obsysd", Name: "plans_active", Help: "plans currently in the store"})
	plansOver := provider.NewCounter(metrics.CommonOpts{Namespace: "obsysd", Name: "plans_over_total", Help: "plans completed naturally"})
	connsOpen := provider.NewGauge(metrics.CommonOpts{Namespace: "obsysd", Name: "tcp_connections", Help: "sockets in the buffer list"})
	ringDropped := provider.NewGauge(metrics.CommonOpts{Namespace: "obsysd", Name: "tcp_ring_dropped_total", Help: "frames dropped by full write rings"})
	obssMode := provider.NewGauge(metrics.CommonOpts{Namespace: "obsysd", Name: "obss_mode", Help: "operating mode per observation system (0 error, 1 manual, 2 auto)", Labels: []string{"gid", "uid"}})

	sub, err := bus.Subscribe(256)
	if err != nil {
		return
	}
	defer sub.Close()

	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type == "plan_over" {
				plansOver.Inc(1)
			}
			log.Info("event", "category", ev.Category, "type", ev.Type, "gid", ev.GID, "uid", ev.UID)
		case <-t.C:
			plansActive.Set(float64(store.Len()))
			connsOpen.Set(float64(front.Snapshot()))
			ringDropped.Set(float64(front.DroppedFrames()))
			for _, o := range fed.Matching("", "") {
				obssMode.Set(float64(o.Mode()), o.Params.GID, o.Params.UID)
			}
		}
	}
}
