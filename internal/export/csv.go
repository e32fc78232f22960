// Package export writes sensor values as per-(source, date) CSV files for
// the downstream ingestion pipeline and delivers them over FTP.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/lox/sensorcast/internal/metrics"
	"github.com/lox/sensorcast/internal/models"
)

var header = []string{"sensor_name", "geo_type", "geo_value", "value", "standard_error", "issue_date"}

type fileKey struct {
	source string
	date   models.Date
}

// FileName is "<YYYYMMDD>_<source>.csv".
func FileName(source string, d models.Date) string {
	return fmt.Sprintf("%s_%s.csv", d, source)
}

// Writer lays files out as <dir>/<source>/<YYYYMMDD>_<source>.csv.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Dir() string {
	return w.dir
}

// Export writes one file per (source, date) and returns the paths written,
// relative to the export directory. An existing file is replaced.
func (w *Writer) Export(values []models.SensorValue) ([]string, error) {
	groups := make(map[fileKey][]models.SensorValue)
	for _, v := range values {
		k := fileKey{source: v.Config.Source, date: v.Date}
		groups[k] = append(groups[k], v)
	}
	keys := make([]fileKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].source != keys[j].source {
			return keys[i].source < keys[j].source
		}
		return keys[i].date < keys[j].date
	})

	var written []string
	for _, k := range keys {
		rel := filepath.Join(k.source, FileName(k.source, k.date))
		if err := w.writeFile(rel, groups[k]); err != nil {
			return written, err
		}
		metrics.ExportedFiles.WithLabelValues("written").Inc()
		written = append(written, rel)
	}
	if len(written) > 0 {
		log.Printf("export: wrote %d files to %s", len(written), w.dir)
	}
	return written, nil
}

func (w *Writer) writeFile(rel string, rows []models.SensorValue) error {
	path := filepath.Join(w.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, rows); err != nil {
		tmp.Close()
		return fmt.Errorf("export %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export %s: %w", rel, err)
	}
	return os.Rename(tmp.Name(), path)
}

// WriteCSV writes rows sorted by sensor name, geo type and geo value. The
// standard_error column is empty when a value has none; issue_date is the day
// the value was computed.
func WriteCSV(out io.Writer, rows []models.SensorValue) error {
	sorted := make([]models.SensorValue, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Config.Name != b.Config.Name {
			return a.Config.Name < b.Config.Name
		}
		if a.GeoType != b.GeoType {
			return a.GeoType < b.GeoType
		}
		return a.GeoValue < b.GeoValue
	})

	cw := csv.NewWriter(out)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, v := range sorted {
		se := ""
		if v.StandardError != nil {
			se = strconv.FormatFloat(*v.StandardError, 'g', -1, 64)
		}
		issue := v.Date
		if !v.ComputedAt.IsZero() {
			issue = models.DateOf(v.ComputedAt.UTC())
		}
		if err := cw.Write([]string{
			v.Config.Name,
			string(v.GeoType),
			v.GeoValue,
			strconv.FormatFloat(v.Value, 'g', -1, 64),
			se,
			issue.String(),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
