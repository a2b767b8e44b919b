// Command screen runs one conjunction scan over a TLE file and prints the
// ranked events.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/config"
	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/risk"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to a YAML or JSON config file")
		tlePath    = pflag.StringP("tle", "f", "", "TLE file to screen (required)")
		startStr   = pflag.String("start", "", "horizon start, RFC3339 (default: now)")
		horizon    = pflag.Duration("horizon", 0, "horizon length (default: screening.horizon)")
		radius     = pflag.Float64("radius", 0, "screening radius in km (default: screening.radius_km)")
		modeStr    = pflag.String("mode", "", "propagation mode: sgp4 or analytic (default: propagation.mode)")
		monteCarlo = pflag.Bool("monte-carlo", false, "estimate probabilities by Monte-Carlo sampling")
		top        = pflag.IntP("top", "n", 20, "print at most this many events (0: all)")
		asJSON     = pflag.Bool("json", false, "print events as JSON")
	)
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if *tlePath == "" {
		fmt.Fprintln(os.Stderr, "ERROR: --tle is required")
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR loading config:", err)
		os.Exit(1)
	}
	if *modeStr != "" {
		m, err := propagation.ParseMode(*modeStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ERROR:", err)
			os.Exit(2)
		}
		cfg.Propagation.Mode = m
	}
	if *monteCarlo {
		cfg.Screening.Detector.MonteCarlo = true
	}
	if *horizon > 0 {
		cfg.Screening.Horizon = *horizon
	}
	if *radius > 0 {
		cfg.Screening.RadiusKm = *radius
	}

	start := time.Now().UTC()
	if *startStr != "" {
		start, err = time.Parse(time.RFC3339, *startStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ERROR parsing --start:", err)
			os.Exit(2)
		}
	}

	data, err := os.ReadFile(*tlePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR reading TLE file:", err)
		os.Exit(1)
	}
	entries, err := catalog.Parse(bytes.NewReader(data), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR parsing TLE:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "ERROR: no valid TLE entries in", *tlePath)
		os.Exit(1)
	}
	store := catalog.NewStore()
	snap := store.Replace(*tlePath, time.Now().UTC(), entries)

	prop := propagation.NewPropagator(cfg.Propagation, logger)
	detector := conjunction.NewDetector(prop, risk.NewAssessor(cfg.Risk), cfg.Screening.Detector, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := detector.Detect(ctx, snap, start, start.Add(cfg.Screening.Horizon), cfg.Screening.RadiusKm)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR screening:", err)
		os.Exit(1)
	}

	events := res.Events
	if *top > 0 && len(events) > *top {
		events = events[:*top]
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(jsonEvents(events)); err != nil {
			fmt.Fprintln(os.Stderr, "ERROR encoding:", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Screened %d objects (%d pairs, %d excluded) with %s propagation in %v\n",
		snap.Len(), res.PairsScreened, len(res.Excluded), res.Mode, res.Duration.Round(time.Millisecond))
	fmt.Printf("Horizon %s to %s, radius %.1f km: %d events (%d low confidence)\n\n",
		res.HorizonStart.Format(time.RFC3339), res.HorizonEnd.Format(time.RFC3339),
		res.ScreeningRadiusKm, len(res.Events), res.LowConfidence)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tTCA\tOBJECT A\tOBJECT B\tMISS KM\tREL KM/S\tPROBABILITY\tMETHOD")
	for _, e := range events {
		method := e.Method
		if e.LowConfidence {
			method += " (low confidence)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d %s\t%d %s\t%.3f\t%.3f\t%.2e\t%s\n",
			e.Tier, e.TCA.Format(time.RFC3339),
			e.ObjectA, e.NameA, e.ObjectB, e.NameB,
			e.MissDistanceKm, e.RelativeVelocityKmS, e.Probability, method)
	}
	tw.Flush()
}

type jsonEvent struct {
	ObjectA             int                   `json:"object_a"`
	ObjectB             int                   `json:"object_b"`
	NameA               string                `json:"name_a"`
	NameB               string                `json:"name_b"`
	TCA                 int64                 `json:"tca"`
	MissDistanceKm      float64               `json:"miss_distance_km"`
	RelativeVelocityKmS float64               `json:"relative_velocity_km_s"`
	Probability         float64               `json:"probability"`
	Tier                string                `json:"tier"`
	LowConfidence       bool                  `json:"low_confidence"`
	MonteCarlo          *risk.MonteCarloStats `json:"monte_carlo,omitempty"`
}

func jsonEvents(events []conjunction.Event) []jsonEvent {
	out := make([]jsonEvent, len(events))
	for i, e := range events {
		out[i] = jsonEvent{
			ObjectA:             e.ObjectA,
			ObjectB:             e.ObjectB,
			NameA:               e.NameA,
			NameB:               e.NameB,
			TCA:                 e.TCA.Unix(),
			MissDistanceKm:      e.MissDistanceKm,
			RelativeVelocityKmS: e.RelativeVelocityKmS,
			Probability:         e.Probability,
			Tier:                e.Tier.String(),
			LowConfidence:       e.LowConfidence,
			MonteCarlo:          e.MonteCarlo,
		}
	}
	return out
}
