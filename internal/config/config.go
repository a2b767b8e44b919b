// Package config loads service configuration from defaults, an optional
// YAML/JSON file and ORBITGUARD_* environment variables, in increasing
// precedence. Invalid values are logged and replaced by their defaults;
// only settings that cannot be defaulted safely (an auth token) fail Load.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/star/orbitguard/internal/auth"
	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/maneuver"
	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/replay"
	"github.com/star/orbitguard/internal/risk"
	"github.com/star/orbitguard/internal/stream"
)

// EnvPrefix is prepended to every environment key: http.addr is read from
// ORBITGUARD_HTTP_ADDR.
const EnvPrefix = "ORBITGUARD"

// Config is the fully resolved service configuration.
type Config struct {
	LogLevel    slog.Level
	HTTP        HTTPConfig
	Catalog     CatalogConfig
	Propagation propagation.PropConfig
	Screening   ScreeningConfig
	Risk        risk.Config
	Maneuver    ManeuverConfig
	Replay      ReplayConfig
	Stream      stream.Config
}

// HTTPConfig holds listener, auth and request-rate settings.
type HTTPConfig struct {
	Addr       string
	Auth       auth.Config
	RateLimit  float64 // sustained expensive requests per second
	RateBurst  int
	TrustProxy bool // take client IPs from X-Forwarded-For
}

// CatalogConfig holds TLE ingestion settings.
type CatalogConfig struct {
	EnableFetch     bool
	SourceURL       string
	ExtraURLs       []string
	CacheDir        string
	MaxFiles        int
	RefreshInterval time.Duration
}

// ScreeningConfig holds conjunction scan settings.
type ScreeningConfig struct {
	Detector  conjunction.Config
	RadiusKm  float64
	Horizon   time.Duration
	OnRefresh bool // start a scan after every catalog refresh
}

// ManeuverConfig holds simulator and optimizer settings.
type ManeuverConfig struct {
	Simulator maneuver.Config
	Optimizer maneuver.OptimizerConfig
}

// ReplayConfig holds replay controller settings.
type ReplayConfig struct {
	Controller replay.Config
	Mode       propagation.Mode // propagation mode for recorded snapshots
}

func defaults() map[string]any {
	return map[string]any{
		"log.level": "info",

		"http.addr":         ":8080",
		"http.auth_enabled": false,
		"http.auth_token":   "",
		"http.rate_limit":   2.0,
		"http.rate_burst":   5,
		"http.trust_proxy":  false,

		"catalog.enable_fetch":     true,
		"catalog.source_url":       "https://celestrak.org/NORAD/elements/gp.php?GROUP=active&FORMAT=tle",
		"catalog.extra_urls":       []string{},
		"catalog.cache_dir":        "/tmp/orbitguard/tle",
		"catalog.max_files":        5,
		"catalog.refresh_interval": "6h",

		"propagation.mode":             "sgp4",
		"propagation.workers":          runtime.NumCPU(),
		"propagation.integration_step": "10s",

		"screening.coarse_step":           "60s",
		"screening.time_tolerance":        "1s",
		"screening.max_refine_iterations": 100,
		"screening.radius_km":             10.0,
		"screening.horizon":               "24h",
		"screening.on_refresh":            true,

		"risk.hard_body_radius_km": 0.02,
		"risk.position_sigma_km":   0.1,
		"risk.timing_sigma_s":      0.01,
		"risk.monte_carlo":         false,
		"risk.samples":             10000,
		"risk.seed":                1,

		"maneuver.probe_km_s":        1e-4,
		"maneuver.tolerance_km":      0.01,
		"maneuver.max_iterations":    60,
		"maneuver.max_alternatives":  4,
		"maneuver.trajectory_points": 20,

		"replay.mode":            "analytic",
		"replay.tick_interval":   "100ms",
		"replay.record_interval": "10s",
		"replay.max_snapshots":   720,
		"replay.max_speed":       3600.0,

		"stream.max_concurrent_per_ip": 10,
		"stream.keepalive_interval":    "30s",
		"stream.interval":              "250ms",
		"stream.max_streams":           1000,
	}
}

// Load resolves the configuration. path names an optional config file; an
// empty path reads defaults and the environment only.
func Load(path string, logger *slog.Logger) (*Config, error) {
	v := viper.New()
	defs := defaults()
	for k, val := range defs {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Info("config file loaded", "path", v.ConfigFileUsed())
	}

	l := &loader{v: v, defs: defs, logger: logger}
	cfg := &Config{}

	cfg.LogLevel = l.level("log.level")

	cfg.HTTP = HTTPConfig{
		Addr: l.str("http.addr"),
		Auth: auth.Config{
			Enabled: l.boolean("http.auth_enabled"),
			Token:   l.str("http.auth_token"),
		},
		RateLimit:  l.float("http.rate_limit", 0),
		RateBurst:  l.integer("http.rate_burst", 1),
		TrustProxy: l.boolean("http.trust_proxy"),
	}
	if cfg.HTTP.Auth.Enabled && cfg.HTTP.Auth.Token == "" {
		return nil, errors.New("http.auth_token is required when auth is enabled")
	}

	cfg.Catalog = CatalogConfig{
		EnableFetch:     l.boolean("catalog.enable_fetch"),
		SourceURL:       l.str("catalog.source_url"),
		ExtraURLs:       l.list("catalog.extra_urls"),
		CacheDir:        l.str("catalog.cache_dir"),
		MaxFiles:        l.integer("catalog.max_files", 1),
		RefreshInterval: l.duration("catalog.refresh_interval", time.Minute),
	}

	cfg.Propagation = propagation.PropConfig{
		Workers:         l.integer("propagation.workers", 1),
		Mode:            l.mode("propagation.mode"),
		IntegrationStep: l.duration("propagation.integration_step", 100*time.Millisecond),
	}

	cfg.Risk = risk.Config{
		HardBodyRadiusKm: l.float("risk.hard_body_radius_km", 0),
		PositionSigmaKm:  l.float("risk.position_sigma_km", 0),
		TimingSigma:      l.float("risk.timing_sigma_s", 0),
		Samples:          l.integer("risk.samples", 100),
		Seed:             uint64(l.integer("risk.seed", 0)),
	}

	cfg.Screening = ScreeningConfig{
		Detector: conjunction.Config{
			CoarseStep:          l.duration("screening.coarse_step", time.Second),
			TimeTolerance:       l.duration("screening.time_tolerance", time.Millisecond),
			MaxRefineIterations: l.integer("screening.max_refine_iterations", 1),
			HardBodyRadiusKm:    cfg.Risk.HardBodyRadiusKm,
			MonteCarlo:          l.boolean("risk.monte_carlo"),
			Workers:             cfg.Propagation.Workers,
		},
		RadiusKm:  l.float("screening.radius_km", 0),
		Horizon:   l.duration("screening.horizon", time.Minute),
		OnRefresh: l.boolean("screening.on_refresh"),
	}
	if cfg.Screening.Detector.TimeTolerance >= cfg.Screening.Detector.CoarseStep {
		logger.Warn("screening.time_tolerance must be below screening.coarse_step, using defaults",
			"time_tolerance", cfg.Screening.Detector.TimeTolerance.String(),
			"coarse_step", cfg.Screening.Detector.CoarseStep.String(),
		)
		cfg.Screening.Detector.CoarseStep = cast.ToDuration(defs["screening.coarse_step"])
		cfg.Screening.Detector.TimeTolerance = cast.ToDuration(defs["screening.time_tolerance"])
	}

	cfg.Maneuver = ManeuverConfig{
		Simulator: maneuver.Config{
			TrajectoryPoints: l.integer("maneuver.trajectory_points", 2),
		},
		Optimizer: maneuver.OptimizerConfig{
			ProbeKmS:        l.float("maneuver.probe_km_s", 0),
			ToleranceKm:     l.float("maneuver.tolerance_km", 0),
			MaxIterations:   l.integer("maneuver.max_iterations", 1),
			MaxAlternatives: l.integer("maneuver.max_alternatives", 1),
		},
	}

	cfg.Replay = ReplayConfig{
		Controller: replay.Config{
			TickInterval:   l.duration("replay.tick_interval", time.Millisecond),
			RecordInterval: l.duration("replay.record_interval", 100*time.Millisecond),
			MaxSnapshots:   l.integer("replay.max_snapshots", 1),
			MaxSpeed:       l.float("replay.max_speed", 0),
		},
		Mode: l.mode("replay.mode"),
	}

	cfg.Stream = stream.Config{
		MaxConcurrentPerIP: l.integer("stream.max_concurrent_per_ip", 1),
		KeepaliveInterval:  l.duration("stream.keepalive_interval", time.Second),
		Interval:           l.duration("stream.interval", 10*time.Millisecond),
		MaxStreams:         l.integer("stream.max_streams", 1),
		TrustProxy:         cfg.HTTP.TrustProxy,
	}

	logger.Info("configuration loaded",
		"http_addr", cfg.HTTP.Addr,
		"auth_enabled", cfg.HTTP.Auth.Enabled,
		"catalog_fetch_enabled", cfg.Catalog.EnableFetch,
		"propagation_mode", cfg.Propagation.Mode.String(),
		"workers", cfg.Propagation.Workers,
		"screening_radius_km", cfg.Screening.RadiusKm,
		"screening_horizon", cfg.Screening.Horizon.String(),
		"replay_mode", cfg.Replay.Mode.String(),
	)

	return cfg, nil
}

// loader reads keys and falls back to defaults on invalid values.
type loader struct {
	v      *viper.Viper
	defs   map[string]any
	logger *slog.Logger
}

func (l *loader) invalid(key string, value any) {
	l.logger.Warn("invalid config value, using default",
		"key", key,
		"value", value,
		"default", l.defs[key],
	)
}

func (l *loader) str(key string) string {
	return strings.TrimSpace(l.v.GetString(key))
}

func (l *loader) boolean(key string) bool {
	raw := l.v.Get(key)
	b, err := cast.ToBoolE(raw)
	if err != nil {
		l.invalid(key, raw)
		return cast.ToBool(l.defs[key])
	}
	return b
}

// integer returns the value at key if it is at least floor.
func (l *loader) integer(key string, floor int) int {
	raw := l.v.Get(key)
	n, err := cast.ToIntE(raw)
	if err != nil || n < floor {
		l.invalid(key, raw)
		return cast.ToInt(l.defs[key])
	}
	return n
}

// float returns the value at key if it is finite and greater than floor.
func (l *loader) float(key string, floor float64) float64 {
	raw := l.v.Get(key)
	f, err := cast.ToFloat64E(raw)
	if err != nil || !(f > floor) || math.IsInf(f, 0) {
		l.invalid(key, raw)
		return cast.ToFloat64(l.defs[key])
	}
	return f
}

// duration returns the value at key if it is at least floor. Values use Go
// duration syntax ("90s", "6h"); bare numbers are seconds.
func (l *loader) duration(key string, floor time.Duration) time.Duration {
	raw := l.v.Get(key)
	var (
		d   time.Duration
		err error
	)
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if secs, perr := strconv.ParseFloat(s, 64); perr == nil {
			d = time.Duration(secs * float64(time.Second))
		} else {
			d, err = time.ParseDuration(s)
		}
	case time.Duration:
		d = v
	default:
		var secs float64
		secs, err = cast.ToFloat64E(v)
		d = time.Duration(secs * float64(time.Second))
	}
	if err != nil || d < floor {
		l.invalid(key, raw)
		return cast.ToDuration(l.defs[key])
	}
	return d
}

// list accepts a YAML/JSON list or a comma-separated string.
func (l *loader) list(key string) []string {
	raw := l.v.Get(key)
	var items []string
	if s, ok := raw.(string); ok {
		items = strings.Split(s, ",")
	} else {
		var err error
		items, err = cast.ToStringSliceE(raw)
		if err != nil {
			l.invalid(key, raw)
			return nil
		}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (l *loader) mode(key string) propagation.Mode {
	raw := l.v.GetString(key)
	m, err := propagation.ParseMode(raw)
	if err != nil {
		l.invalid(key, raw)
		m, _ = propagation.ParseMode(cast.ToString(l.defs[key]))
	}
	return m
}

func (l *loader) level(key string) slog.Level {
	raw := l.v.GetString(key)
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		l.invalid(key, raw)
		return slog.LevelInfo
	}
	return lvl
}
