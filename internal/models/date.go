package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is a calendar day encoded as a YYYYMMDD integer, the form used by the
// signal and sensor APIs. Integer ordering matches chronological ordering.
type Date int

const (
	dateLayout = "20060102"
	isoLayout  = "2006-01-02"
)

// ParseDate accepts YYYYMMDD or ISO YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	layout := dateLayout
	if strings.Contains(s, "-") {
		layout = isoLayout
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals known to be valid.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DateOf truncates t to its calendar day in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date(y*10000 + int(m)*100 + d)
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	v := int(d)
	return time.Date(v/10000, time.Month((v/100)%100), v%100, 0, 0, 0, 0, time.UTC)
}

// Valid reports whether d round-trips through a real calendar day.
func (d Date) Valid() bool {
	if d <= 0 {
		return false
	}
	return DateOf(d.Time()) == d
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// DaysSince returns d - other in whole days.
func (d Date) DaysSince(other Date) int {
	return int(d.Time().Sub(other.Time()).Hours() / 24)
}

func (d Date) String() string {
	return strconv.Itoa(int(d))
}

func (d Date) ISO() string {
	return d.Time().Format(isoLayout)
}

// DateRange returns every day from start to end inclusive.
func DateRange(start, end Date) []Date {
	if end < start {
		return nil
	}
	dates := make([]Date, 0, end.DaysSince(start)+1)
	for d := start; d <= end; d = d.AddDays(1) {
		dates = append(dates, d)
	}
	return dates
}
