package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/groundctl/groundctl/internal/feed"
	"github.com/groundctl/groundctl/internal/flightlog"
	"github.com/groundctl/groundctl/internal/mission"
	"github.com/groundctl/groundctl/internal/vehicle"
)

const (
	storageDir     = "data"
	statusInterval = 5 * time.Second
)

// Run connects to the vehicle and drives one session: optionally upload the
// configured mission, then stream telemetry until the context is cancelled,
// recording and serving it along the way.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	v := vehicle.New(vehicle.WithLogger(logger))

	if err := v.Connect(ctx, config.Link.Port, config.Link.BaudRate, config.Link.Retries); err != nil {
		return fmt.Errorf("connecting to vehicle: %w", err)
	}
	defer v.Disconnect()

	if config.Feed.Enabled {
		srv := feed.NewServer(v, config.Feed.ListenAddr, feed.WithLogger(logger))
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	var wg sync.WaitGroup
	if config.Recorder.Enabled {
		store, dbPath, err := createStore(&config.Recorder)
		if err != nil {
			return fmt.Errorf("creating flight log: %w", err)
		}
		defer store.Close()

		sessionID, err := store.CreateSession(ctx, config.Link.Port)
		if err != nil {
			return fmt.Errorf("creating flight log session: %w", err)
		}

		recorder := flightlog.NewRecorder(store, sessionID, flightlog.WithRecorderLogger(logger))
		stream := v.Subscribe(64)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Record(ctx, stream); err != nil {
				logger.Error(err.Error())
			}
		}()
		defer printSummary(store, sessionID, dbPath, logger)
	}
	defer wg.Wait()

	if config.Mission.File != "" {
		if err := uploadMission(ctx, v, config, logger); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t := v.Snapshot()
			logger.Info("telemetry",
				slog.Float64("lat", t.Latitude),
				slog.Float64("lon", t.Longitude),
				slog.Float64("alt", t.Altitude),
				slog.Int("battery", t.Battery),
				slog.String("mode", t.Mode),
				slog.Bool("armed", t.Armed),
				slog.Duration("staleness", time.Since(v.LastMessageAt()).Truncate(time.Millisecond)))
		}
	}
}

func uploadMission(ctx context.Context, v *vehicle.Vehicle, config *Config, logger *slog.Logger) error {
	waypoints, err := loadWaypoints(config.Mission.File)
	if err != nil {
		return fmt.Errorf("loading mission file: %w", err)
	}
	if len(waypoints) == 0 {
		return fmt.Errorf("mission file %s contains no waypoints", config.Mission.File)
	}

	items := mission.Build(waypoints, mission.BuildOptions{
		AddTakeoff:        config.Mission.AddTakeoff,
		AddReturnToLaunch: config.Mission.AddReturnToLaunch,
	})

	mc, err := v.Mission()
	if err != nil {
		return fmt.Errorf("claiming mission channel: %w", err)
	}
	defer mc.Release()

	system, component := v.Target()
	uploader := mission.NewUploader(mc, system, component,
		mission.WithLogger(logger),
		mission.WithProgress(func(msg string) {
			logger.Info(msg, slog.String("component", "mission"))
		}))

	result := uploader.Upload(ctx, items)
	if !result.Success {
		return fmt.Errorf("mission upload: %s", result.Message)
	}

	logger.Info(result.Message, slog.Int("items", result.Count))
	return nil
}

// loadWaypoints reads an ordered waypoint list from a yaml file.
func loadWaypoints(path string) ([]mission.Waypoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file struct {
		Waypoints []mission.Waypoint `yaml:"waypoints"`
	}
	if err = yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.Waypoints, nil
}

func createStore(config *RecorderConfig) (*flightlog.Store, string, error) {
	dir := config.DataDirectory
	if dir == "" {
		dir = storageDir
	}

	stat, err := os.Stat(dir)
	if err != nil {
		return nil, "", fmt.Errorf("flight log directory '%s': %w", dir, err)
	}
	if !stat.IsDir() {
		return nil, "", fmt.Errorf("flight log directory '%s' is not a directory", dir)
	}

	dbPath := filepath.Join(dir, fmt.Sprintf("flight_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	store, err := flightlog.Open(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

func printSummary(store *flightlog.Store, sessionID int64, dbPath string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	summary, err := store.SessionSummary(ctx, sessionID)
	if err != nil {
		logger.Error(err.Error())
		return
	}

	var size string
	if stat, err := os.Stat(dbPath); err == nil {
		size = humanize.Bytes(uint64(stat.Size()))
	}

	logger.Info("flight log session complete",
		slog.String("samples", humanize.Comma(summary.Samples)),
		slog.Duration("duration", summary.Duration().Truncate(time.Second)),
		slog.Float64("maxAltitude", summary.MaxAltitude),
		slog.Int("minBattery", summary.MinBattery),
		slog.String("size", size),
		slog.String("path", dbPath))
}
