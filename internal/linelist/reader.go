// Package linelist reads line-list CSV files of (event_date, report_date)
// records for delay estimation.
package linelist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lox/sensorcast/internal/models"
)

// Read parses event_date,report_date rows. A header row is optional; when
// present, columns are located by name and extra columns are ignored. Dates
// may be YYYYMMDD or ISO.
func Read(r io.Reader) ([]models.Event, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	eventCol, reportCol := 0, 1
	var events []models.Event
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line list: %w", err)
		}
		if line == 1 && isHeader(rec) {
			eventCol, reportCol = -1, -1
			for i, name := range rec {
				switch strings.ToLower(strings.TrimSpace(name)) {
				case "event_date":
					eventCol = i
				case "report_date":
					reportCol = i
				}
			}
			if eventCol < 0 || reportCol < 0 {
				return nil, errors.New("line list: header needs event_date and report_date columns")
			}
			continue
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if eventCol >= len(rec) || reportCol >= len(rec) {
			return nil, fmt.Errorf("line list line %d: expected at least %d columns", line, max(eventCol, reportCol)+1)
		}
		event, err := models.ParseDate(rec[eventCol])
		if err != nil {
			return nil, fmt.Errorf("line list line %d: %w", line, err)
		}
		report, err := models.ParseDate(rec[reportCol])
		if err != nil {
			return nil, fmt.Errorf("line list line %d: %w", line, err)
		}
		events = append(events, models.Event{EventDate: event, ReportDate: report})
	}
	return events, nil
}

func ReadFile(path string) ([]models.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func isHeader(rec []string) bool {
	for _, field := range rec {
		if _, err := models.ParseDate(field); err == nil {
			return false
		}
	}
	return true
}
