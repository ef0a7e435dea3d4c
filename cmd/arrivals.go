package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/model"
)

var arrivalsCmd = &cobra.Command{
	Use:   "arrivals <stop_id>",
	Short: "Lists the next arrival of each route serving a stop",
	Args:  cobra.ExactArgs(1),
	RunE:  arrivalsForStop,
}

var nextCmd = &cobra.Command{
	Use:   "next <stop_id> <route_id> [direction]",
	Short: "Shows the next arrival of one route at a stop",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  nextArrival,
}

func init() {
	rootCmd.AddCommand(arrivalsCmd)
	rootCmd.AddCommand(nextCmd)
}

type fixedState model.ConnectionState

func (s fixedState) State() model.ConnectionState {
	return model.ConnectionState(s)
}

// Loads everything and runs a single realtime refresh. Predictions
// are live only if that refresh succeeded.
func oneShotPredictor(ctx context.Context) (*arrivals.Predictor, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}

	static, release, err := loadStatic(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	app := arrivals.NewApp(cfg, static, logger)

	state := fixedState(model.Offline)
	if cfg.Realtime.URL != "" {
		err = app.Refresher.Refresh(ctx)
		if err != nil {
			logger.Warn("realtime refresh failed, using schedule", zap.Error(err))
		} else {
			state = fixedState(model.Online)
		}
	}

	predictor := arrivals.NewPredictor(static, state, app.Index, app.History, arrivals.PredictorOptions{
		MinConfidence: cfg.Prediction.MinConfidence,
		Location:      static.Location(),
	})

	return predictor, func() {
		logger.Sync()
		release()
	}, nil
}

func arrivalsForStop(cmd *cobra.Command, args []string) error {
	stopID := args[0]

	predictor, release, err := oneShotPredictor(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	rows, err := predictor.ArrivalsForStop(stopID)
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Printf("no routes serve stop %s\n", stopID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, row := range rows {
		fmt.Fprintln(w, formatRow(row))
	}
	return w.Flush()
}

func nextArrival(cmd *cobra.Command, args []string) error {
	stopID, routeID := args[0], args[1]

	direction := model.DirectionUnspecified
	if len(args) == 3 {
		d, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid direction: %w", err)
		}
		direction = d
	}

	predictor, release, err := oneShotPredictor(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	row, err := predictor.NextArrival(stopID, routeID, direction)
	if err != nil {
		return err
	}
	if row == nil {
		fmt.Printf("no upcoming arrival of %s at %s\n", routeID, stopID)
		return nil
	}

	fmt.Println(formatRow(*row))
	return nil
}

func formatRow(row model.ArrivalRow) string {
	when := "-"
	if row.Time != nil {
		when = row.Time.Format("15:04")
	}

	source := "scheduled"
	if row.Realtime {
		source = "live"
		if row.Minutes != nil {
			source = fmt.Sprintf("live, %d min", *row.Minutes)
		}
	}

	return fmt.Sprintf("%s\t%s\t%s\t%s", row.Line, row.Headsign, when, source)
}
