// Package export renders indicator records for download, as JSON or CSV.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

// Format selects the export rendering.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat maps a query-string value to a Format, defaulting to JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Write renders recs to w in the given format.
func Write(w io.Writer, f Format, recs []*ioc.Indicator) error {
	if f == FormatCSV {
		return writeCSV(w, recs)
	}
	return writeJSON(w, recs)
}

type jsonEnvelope struct {
	Count       int              `json:"count"`
	GeneratedAt time.Time        `json:"generated_at"`
	Indicators  []*ioc.Indicator `json:"iocs"`
}

func writeJSON(w io.Writer, recs []*ioc.Indicator) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonEnvelope{
		Count:       len(recs),
		GeneratedAt: time.Now().UTC(),
		Indicators:  recs,
	})
}

var csvHeader = []string{
	"value", "kind", "threat_score", "classification",
	"sources", "tags", "first_seen", "last_seen", "description",
}

func writeCSV(w io.Writer, recs []*ioc.Indicator) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range recs {
		row := []string{
			rec.Value,
			string(rec.Kind),
			strconv.Itoa(rec.ThreatScore),
			string(rec.Classification),
			strings.Join(rec.Sources, ";"),
			strings.Join(rec.Tags, ";"),
			rec.FirstSeen.UTC().Format(time.RFC3339),
			rec.LastSeen.UTC().Format(time.RFC3339),
			rec.Description,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
