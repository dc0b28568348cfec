// Package status queries the one-line text report of a device.
package status

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhirsama/picolog/src/inter"
)

// Query connects, asks handlerID for its text report and releases the
// channel. Invalid UTF-8 in the report is dropped.
func Query(ctx context.Context, dial inter.Dialer, handlerID uint16) (string, error) {
	ch, err := dial(ctx)
	if err != nil {
		return "", err
	}
	defer ch.Close()

	payload, status, err := ch.Invoke(ctx, handlerID, inter.ParamTextReport)
	if err != nil {
		return "", err
	}
	if status != 0 {
		return "", &inter.RemoteError{Status: status}
	}
	return strings.ToValidUTF8(string(payload), ""), nil
}

// Report is the parsed status line
// "ext <°C> int <°C> control <mode> auto <0|1> temp <band> up <seconds>".
type Report struct {
	External float64       `json:"external_celsius" yaml:"external_celsius"`
	Internal float64       `json:"internal_celsius" yaml:"internal_celsius"`
	Control  string        `json:"control" yaml:"control"`
	Auto     bool          `json:"auto" yaml:"auto"`
	Band     string        `json:"band" yaml:"band"`
	Uptime   time.Duration `json:"uptime" yaml:"uptime"`
}

// ParseReport parses a status line. Fields may appear in any order;
// unknown fields are ignored.
func ParseReport(text string) (Report, error) {
	fields := strings.Fields(text)
	if len(fields)%2 != 0 {
		return Report{}, fmt.Errorf("status report: odd number of fields in %q", text)
	}

	var r Report
	seen := make(map[string]bool)
	for i := 0; i < len(fields); i += 2 {
		key, value := fields[i], fields[i+1]
		var err error
		switch key {
		case "ext":
			r.External, err = strconv.ParseFloat(value, 64)
		case "int":
			r.Internal, err = strconv.ParseFloat(value, 64)
		case "control":
			r.Control = value
		case "auto":
			var n int
			n, err = strconv.Atoi(value)
			r.Auto = n != 0
		case "temp":
			r.Band = value
		case "up":
			var secs int64
			secs, err = strconv.ParseInt(value, 10, 64)
			r.Uptime = time.Duration(secs) * time.Second
		default:
			continue
		}
		if err != nil {
			return Report{}, fmt.Errorf("status report: field %s: %w", key, err)
		}
		seen[key] = true
	}

	for _, key := range []string{"ext", "int", "control", "auto", "temp", "up"} {
		if !seen[key] {
			return Report{}, fmt.Errorf("status report: missing field %s", key)
		}
	}
	return r, nil
}
