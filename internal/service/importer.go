package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georide-trips/tripmap/internal/events"
	"github.com/georide-trips/tripmap/internal/storage"
)

// DefaultPositionMargin widens each trip window on both sides when matching
// raw positions, absorbing clock skew between trip bounds and fix times.
const DefaultPositionMargin = 2 * time.Minute

// Strategy selects how positions are fetched during an import.
type Strategy string

const (
	// StrategyWindow fetches all positions of the import window once and
	// partitions them by trip.
	StrategyWindow Strategy = "window"

	// StrategyPerTrip fetches positions separately for each trip window.
	StrategyPerTrip Strategy = "per_trip"
)

// Logger is a printf-style log function.
type Logger func(format string, args ...any)

// ImportFailure records a trip that could not be stored.
type ImportFailure struct {
	TripID int64  `json:"tripId"`
	Error  string `json:"error"`
}

// ImportReport summarizes one ImportTrips run. Every fetched trip lands in
// exactly one of Imported, Backfilled, Skipped, Positionless or Failures.
type ImportReport struct {
	TrackerID  int64 `json:"trackerId"`
	Fetched    int   `json:"fetched"`
	Imported   int   `json:"imported"`   // new row with positions
	Backfilled int   `json:"backfilled"` // existing row, positions added
	Skipped    int   `json:"skipped"`    // already complete
	// Positionless counts stored trips, new or existing, left without
	// positions because none fell in their window. They are retried by the
	// next import.
	Positionless         int             `json:"positionless"`
	PositionsStored      int             `json:"positionsStored"`
	PositionsFetchFailed bool            `json:"positionsFetchFailed"`
	Failures             []ImportFailure `json:"failures"`
}

// Importer pulls trips and positions from upstream and stores them.
type Importer struct {
	trips     TripLister
	positions PositionSource
	store     TripStore
	publisher events.Publisher
	margin    time.Duration
	strategy  Strategy
	now       func() time.Time
	logf      Logger
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithMargin overrides DefaultPositionMargin.
func WithMargin(d time.Duration) ImporterOption {
	return func(i *Importer) { i.margin = d }
}

// WithStrategy selects the position fetch strategy.
func WithStrategy(s Strategy) ImporterOption {
	return func(i *Importer) { i.strategy = s }
}

// WithPublisher sets where TripImported events go.
func WithPublisher(p events.Publisher) ImporterOption {
	return func(i *Importer) { i.publisher = p }
}

// WithImporterLogger sets the logger.
func WithImporterLogger(l Logger) ImporterOption {
	return func(i *Importer) { i.logf = l }
}

// NewImporter creates an Importer.
func NewImporter(trips TripLister, positions PositionSource, store TripStore, opts ...ImporterOption) *Importer {
	i := &Importer{
		trips:     trips,
		positions: positions,
		store:     store,
		publisher: events.NopPublisher{},
		margin:    DefaultPositionMargin,
		strategy:  StrategyWindow,
		now:       time.Now,
		logf:      func(string, ...any) {},
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// ImportTrips imports every trip of trackerID within [from, to].
//
// Trips already stored with positions are skipped. Trips stored without
// positions get their positions backfilled. A failure to list trips aborts
// the run; any later per-trip failure is logged, recorded in the report and
// does not stop the remaining trips. Trips are processed sequentially.
func (i *Importer) ImportTrips(ctx context.Context, trackerID int64, from, to time.Time) (*ImportReport, error) {
	if err := validateWindow(trackerID, from, to); err != nil {
		return nil, err
	}

	trips, err := i.trips.ListTrips(ctx, trackerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("service: ImportTrips: list trips: %w", err)
	}

	report := &ImportReport{TrackerID: trackerID, Fetched: len(trips), Failures: []ImportFailure{}}
	i.logf("importer: tracker %d: %d trip(s) between %s and %s",
		trackerID, len(trips), from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))

	var window []storage.Position
	if i.strategy != StrategyPerTrip && len(trips) > 0 {
		window, err = i.positions.GetPositions(ctx, trackerID, from, to)
		if err != nil {
			i.logf("importer: tracker %d: fetching positions failed, continuing without: %v", trackerID, err)
			report.PositionsFetchFailed = true
			window = nil
		}
	}

	for idx := range trips {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("service: ImportTrips: %w", err)
		}

		trip := &trips[idx]
		if trip.TrackerID == 0 {
			trip.TrackerID = trackerID
		}
		if err := i.importTrip(ctx, trip, window, report); err != nil {
			i.logf("importer: trip %d: %v", trip.ID, err)
			report.Failures = append(report.Failures, ImportFailure{TripID: trip.ID, Error: err.Error()})
		}
	}

	i.logf("importer: tracker %d: imported=%d backfilled=%d skipped=%d positionless=%d failed=%d positions=%d",
		trackerID, report.Imported, report.Backfilled, report.Skipped, report.Positionless,
		len(report.Failures), report.PositionsStored)
	return report, nil
}

func (i *Importer) importTrip(ctx context.Context, trip *storage.Trip, window []storage.Position, report *ImportReport) error {
	exists, err := i.store.TripExists(ctx, trip.ID)
	if err != nil {
		return err
	}

	backfill := false
	if exists {
		has, err := i.store.TripHasPositions(ctx, trip.ID)
		if err != nil {
			return err
		}
		if has {
			report.Skipped++
			return nil
		}
		backfill = true
	} else {
		err := i.store.InsertTrip(ctx, trip)
		switch {
		case errors.Is(err, storage.ErrConflict):
			// Inserted concurrently since TripExists; fall through to backfill.
			backfill = true
		case err != nil:
			return err
		}
	}

	source := window
	if i.strategy == StrategyPerTrip {
		source, err = i.positions.GetPositions(ctx, trip.TrackerID,
			trip.StartTime.Add(-i.margin), trip.EndTime.Add(i.margin))
		if err != nil {
			i.logf("importer: trip %d: fetching positions failed: %v", trip.ID, err)
			source = nil
		}
	}

	positions := PositionsForTrip(source, trip.StartTime, trip.EndTime, i.margin)
	if len(positions) == 0 {
		i.logf("importer: trip %d: no positions in window", trip.ID)
		report.Positionless++
		return nil
	}

	for k := range positions {
		positions[k].TripID = trip.ID
	}
	if err := i.store.InsertPositions(ctx, trip.ID, positions); err != nil {
		return err
	}
	report.PositionsStored += len(positions)
	if backfill {
		report.Backfilled++
	} else {
		report.Imported++
	}

	ev := events.TripImported{
		TripID:     trip.ID,
		TrackerID:  trip.TrackerID,
		Positions:  len(positions),
		Backfilled: backfill,
		StartTime:  trip.StartTime,
		EndTime:    trip.EndTime,
		ImportedAt: i.now().UTC(),
	}
	if err := i.publisher.PublishTripImported(ctx, ev); err != nil {
		i.logf("importer: trip %d: publish event: %v", trip.ID, err)
	}
	return nil
}

// PositionsForTrip returns the positions whose fix time falls within
// [start-margin, end+margin], both bounds inclusive, sorted by fix time.
// The sort is stable. The input is not modified.
func PositionsForTrip(all []storage.Position, start, end time.Time, margin time.Duration) []storage.Position {
	lo, hi := start.Add(-margin), end.Add(margin)

	out := make([]storage.Position, 0)
	for _, p := range all {
		if p.FixTime.Before(lo) || p.FixTime.After(hi) {
			continue
		}
		out = append(out, p)
	}
	storage.SortPositions(out)
	return out
}
