package catalog

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Parse reads 3-line NORAD TLE text from r and returns parsed element sets.
// Malformed entries are skipped with a warning log.
func Parse(r io.Reader, logger *slog.Logger) ([]OrbitalElement, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading TLE data: %w", err)
	}

	var elements []OrbitalElement
	for i := 0; i+2 < len(lines); {
		name, line1, line2 := lines[i], lines[i+1], lines[i+2]

		if !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
			logger.Warn("skipping malformed TLE entry", "line_index", i, "name", name)
			i++
			continue
		}

		el, err := parseEntry(name, line1, line2)
		if err != nil {
			logger.Warn("skipping TLE entry", "name", strings.TrimSpace(name), "error", err)
			i += 3
			continue
		}
		elements = append(elements, el)
		i += 3
	}

	return elements, nil
}

// parseEntry decodes the fixed-column fields of one TLE.
func parseEntry(name, line1, line2 string) (OrbitalElement, error) {
	if len(line1) < 32 {
		return OrbitalElement{}, fmt.Errorf("line1 too short (%d chars)", len(line1))
	}
	if len(line2) < 63 {
		return OrbitalElement{}, fmt.Errorf("line2 too short (%d chars)", len(line2))
	}

	id, err := strconv.Atoi(strings.TrimSpace(line1[2:7]))
	if err != nil {
		return OrbitalElement{}, fmt.Errorf("invalid catalog number %q: %w", line1[2:7], err)
	}

	epoch, err := parseEpoch(strings.TrimSpace(line1[18:32]))
	if err != nil {
		return OrbitalElement{}, err
	}

	el := OrbitalElement{
		ID:             id,
		Name:           strings.TrimSpace(name),
		IntlDesignator: strings.TrimSpace(line1[9:17]),
		Epoch:          epoch,
		Line1:          line1,
		Line2:          line2,
	}

	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"inclination", line2[8:16], &el.InclinationDeg},
		{"raan", line2[17:25], &el.RAANDeg},
		{"arg_perigee", line2[34:42], &el.ArgPerigeeDeg},
		{"mean_anomaly", line2[43:51], &el.MeanAnomalyDeg},
		{"mean_motion", line2[52:63], &el.MeanMotion},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f.raw), 64)
		if err != nil {
			return OrbitalElement{}, fmt.Errorf("invalid %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = v
	}

	// Eccentricity has an implied leading decimal point.
	ecc, err := strconv.ParseFloat("0."+strings.TrimSpace(line2[26:33]), 64)
	if err != nil {
		return OrbitalElement{}, fmt.Errorf("invalid eccentricity %q: %w", line2[26:33], err)
	}
	el.Eccentricity = ecc

	return el, nil
}

// parseEpoch converts a TLE epoch string in YYDDD.DDDDDDDD format to time.Time.
// Year 00-56 → 2000s, 57-99 → 1900s.
func parseEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch string too short: %q", s)
	}

	year, err := strconv.Atoi(s[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch year %q: %w", s[:2], err)
	}
	if year >= 57 {
		year += 1900
	} else {
		year += 2000
	}

	dayOfYear, err := strconv.ParseFloat(s[2:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch day %q: %w", s[2:], err)
	}

	// dayOfYear is 1-based: day 1 = Jan 1.
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return t.Add(time.Duration((dayOfYear - 1) * float64(24*time.Hour))), nil
}
