package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mastercactapus/deltaplacer/config"
	"github.com/mastercactapus/deltaplacer/journal"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/mastercactapus/deltaplacer/logger"
	"github.com/mastercactapus/deltaplacer/machine"
	"github.com/mastercactapus/deltaplacer/machine/crd514"
	"go.uber.org/zap"
)

func main() {
	cfgFile := flag.String("config", "", "Path to a JSON config file.")
	port := flag.String("port", "", "Serial device the motor drivers are on (overrides config).")
	sim := flag.Bool("sim", false, "Use simulated motor drivers instead of a serial port.")
	addr := flag.String("addr", "", "Address to serve the API on (overrides config).")
	voxel := flag.Float64("voxel", 0, "Boundary voxel size in mm (overrides config).")
	level := flag.String("log-level", "", "Log level: debug, info, warn or error (overrides config).")
	dir := flag.String("dir", "./data", "Data directory for programs and probe grids.")
	flag.Parse()

	cfg := config.Default()
	if *cfgFile != "" {
		var err error
		cfg, err = config.Load(*cfgFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *port != "" {
		cfg.Serial.Device = *port
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *voxel != 0 {
		cfg.Boundaries.VoxelSize = *voxel
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err = run(ctx, cfg, *sim, *dir, log); err != nil {
		log.Fatal("exit", zap.Error(err))
	}
}

func openBus(cfg *config.Config, sim bool, log *zap.Logger) (crd514.Bus, io.Closer, error) {
	if sim {
		log.Info("using simulated motor drivers")
		port := crd514.NewSimPort(crd514.NewSim())
		rtu := crd514.NewRTU(port)
		rtu.Timeout = cfg.Serial.Timeout.Duration
		return rtu, port, nil
	}

	port, err := crd514.OpenSerial(crd514.SerialConfig{
		Device: cfg.Serial.Device,
		Baud:   cfg.Serial.Baud,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("serial port open", zap.String("device", cfg.Serial.Device), zap.Int("baud", cfg.Serial.Baud))
	rtu := crd514.NewRTU(port)
	rtu.Timeout = cfg.Serial.Timeout.Duration
	return rtu, port, nil
}

func run(ctx context.Context, cfg *config.Config, sim bool, dir string, log *zap.Logger) error {
	params := cfg.Geometry.Params()
	solver, err := kinematics.NewSolver(params)
	if err != nil {
		return err
	}

	bus, port, err := openBus(cfg, sim, log)
	if err != nil {
		return err
	}
	defer port.Close()

	drv := crd514.New(bus, crd514.Config{
		Deviation:    params.Deviation,
		Limits:       params.MotorRange,
		PollInterval: cfg.Motion.PollInterval.Duration,
		Retries:      cfg.Serial.Retries,
		Logger:       log.Named("crd514"),
	})
	defer drv.Close()

	opts := []machine.Option{
		machine.WithLogger(log.Named("machine")),
		machine.WithAcceleration(kinematics.Radians(cfg.Motion.Acceleration), kinematics.Radians(cfg.Motion.Deceleration)),
		machine.WithDefaultSpeed(kinematics.Radians(cfg.Motion.Speed)),
	}
	var j *journal.Journal
	if cfg.Journal.Path != "" {
		j, err = journal.Open(cfg.Journal.Path, log.Named("journal"))
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, machine.WithJournal(j))
	}
	m := machine.New(drv, solver, opts...)

	a := newAPI(apiConfig{
		Machine:   m,
		Journal:   j,
		Logger:    log.Named("api"),
		DataDir:   dir,
		VoxelSize: cfg.Boundaries.VoxelSize,
		Speed:     cfg.Motion.Speed,
	})
	go a.publish(ctx)

	go func() {
		ok, err := m.RestoreBoundaries(ctx, cfg.Boundaries.VoxelSize)
		if err != nil {
			log.Warn("restore boundaries", zap.Error(err))
		}
		if ok || !cfg.Boundaries.Generate {
			return
		}
		err = m.GenerateBoundaries(ctx, cfg.Boundaries.VoxelSize)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("generate boundaries", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "*")
			log.Debug("request", zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.String("remote", req.RemoteAddr))
			a.ServeHTTP(w, req)
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	a.Close()
	err = srv.Shutdown(shutdownCtx)
	if st := m.State(); st == machine.PoweredOn || st == machine.Moving {
		if perr := m.PowerOff(shutdownCtx); perr != nil {
			log.Error("power off", zap.Error(perr))
		}
	}
	return err
}
