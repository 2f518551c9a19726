// Command tracker runs one driver or passenger session against a relay. Session updates
// are written to stdout as JSON lines; commands (start, pickup, complete, cancel, status)
// are read from stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/routing"
	"github.com/example/ride-tracking/internal/session"
	"github.com/example/ride-tracking/internal/simulator"
	"github.com/example/ride-tracking/internal/syncchan"
)

func main() {
	cfg, err := config.LoadTrackerConfig()
	if err != nil {
		slog.Error("invalid tracker config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("tracker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.TrackerConfig, logger *slog.Logger, in io.Reader, out io.Writer) error {
	api := syncchan.NewRESTClient(cfg.RelayURL)
	rec, err := api.GetRide(ctx, cfg.RideID)
	if err != nil {
		return fmt.Errorf("load ride %s: %w", cfg.RideID, err)
	}
	role := models.Role(cfg.Role)
	sess := sessionFromRecord(rec)
	if sess.VehiclePosition == nil && role == models.RoleDriver && cfg.DriverStart != "" {
		p, err := config.ParsePoint(cfg.DriverStart)
		if err != nil {
			return err
		}
		sess.VehiclePosition = &p
	}

	ch, closeCh, err := openChannel(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCh()

	ctrl, err := session.New(role, cfg.ParticipantID, sess, sessionConfig(cfg), session.Deps{
		Channel: ch,
		API:     api,
		Router:  newRouter(cfg),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()
	go readCommands(ctx, ctrl, in, logger)

	pilot := &autopilot{enabled: cfg.Auto && role == models.RoleDriver, logger: logger}
	enc := json.NewEncoder(out)
	for u := range ctrl.Updates() {
		if err := enc.Encode(viewOf(u)); err != nil {
			logger.Warn("update not written", "error", err)
		}
		pilot.react(ctx, ctrl, u)
	}
	return <-runErr
}

func sessionFromRecord(rec models.RideRecord) models.RideSession {
	s := models.RideSession{
		ID:                    rec.ID,
		Status:                rec.Status,
		DriverArrivedAtPickup: rec.DriverArrived,
		DriverID:              rec.DriverID,
		PassengerID:           rec.PassengerID,
		Pickup:                rec.Pickup,
		Destination:           rec.Destination,
		UpdatedAt:             rec.LastUpdated,
	}
	if p, ok := rec.Position(); ok {
		s.VehiclePosition = &p
	}
	return s
}

func sessionConfig(cfg config.TrackerConfig) session.Config {
	return session.Config{
		TickInterval:      cfg.TickInterval,
		ArrivalThreshold:  cfg.ArrivalThreshold,
		RouteDebounce:     cfg.RouteDebounce,
		RouteEndTolerance: cfg.RouteEndTolerance,
		SpeedKmh:          cfg.SpeedKmh,
		PublishTimeout:    cfg.PublishTimeout,
		Sim:               simulator.Config{StepPoints: cfg.StepPoints, StepMeters: cfg.StepMeters},
	}
}

func openChannel(cfg config.TrackerConfig, logger *slog.Logger) (syncchan.Channel, func(), error) {
	switch cfg.Transport {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return syncchan.NewRedisChannel(client, logger), func() { _ = client.Close() }, nil
	default:
		ws, err := syncchan.NewWSChannel(cfg.RelayURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return ws, func() { _ = ws.Close() }, nil
	}
}

func newRouter(cfg config.TrackerConfig) routing.Router {
	if cfg.OSRMEndpoint == "" {
		return routing.StraightRouter{Points: 20}
	}
	return routing.NewCachedRouter(routing.NewOSRMClient(cfg.OSRMEndpoint), 10*time.Minute)
}

func readCommands(ctx context.Context, ctrl *session.Controller, in io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		cmd := strings.ToLower(strings.TrimSpace(sc.Text()))
		var err error
		switch cmd {
		case "":
			continue
		case "start":
			err = ctrl.StartMovingToPickup(ctx)
		case "pickup":
			err = ctrl.ConfirmPickup(ctx)
		case "complete":
			err = ctrl.CompleteRide(ctx)
		case "cancel":
			err = ctrl.CancelRide(ctx)
		case "status":
			s := ctrl.Snapshot()
			logger.Info("snapshot", "status", s.Status, "driver_arrived", s.DriverArrivedAtPickup, "route_points", len(s.RoutePath))
		default:
			logger.Warn("unknown command", "command", cmd)
		}
		if err != nil {
			logger.Warn("command failed", "command", cmd, "error", err)
		}
		select {
		case <-ctrl.Done():
			return
		default:
		}
	}
}

// autopilot drives a simulated driver through the whole ride without input.
type autopilot struct {
	enabled bool
	started bool
	logger  *slog.Logger
}

func (a *autopilot) react(ctx context.Context, ctrl *session.Controller, u session.Update) {
	if !a.enabled {
		return
	}
	var err error
	switch {
	case u.Notice == session.NoticeDriverArrivedAtPickup:
		err = ctrl.ConfirmPickup(ctx)
	case u.Notice == session.NoticeArrivedAtDestination:
		err = ctrl.CompleteRide(ctx)
	case !a.started && u.Session.Status == models.StatusMatched && !u.Session.DriverArrivedAtPickup:
		a.started = true
		err = ctrl.StartMovingToPickup(ctx)
	}
	if err != nil {
		a.logger.Warn("autopilot action failed", "notice", u.Notice.String(), "error", err)
	}
}

type view struct {
	RideID        string        `json:"ride_id"`
	Status        models.Status `json:"status"`
	DriverArrived bool          `json:"driver_arrived"`
	Position      *models.Point `json:"position,omitempty"`
	RoutePoints   int           `json:"route_points"`
	ETAMinutes    int           `json:"eta_minutes"`
	RemainingKm   float64       `json:"remaining_km"`
	Notice        string        `json:"notice,omitempty"`
}

func viewOf(u session.Update) view {
	v := view{
		RideID:        u.Session.ID,
		Status:        u.Session.Status,
		DriverArrived: u.Session.DriverArrivedAtPickup,
		Position:      u.Session.VehiclePosition,
		RoutePoints:   len(u.Session.RoutePath),
		ETAMinutes:    u.ETAMinutes,
		RemainingKm:   u.RemainingKm,
	}
	if u.Notice != session.NoticeNone {
		v.Notice = u.Notice.String()
	}
	return v
}
