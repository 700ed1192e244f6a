// Package schedule turns extracted roster rows into schedule records and
// replaces a source's rows in the data store.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"roster-sync/internal/scraper"
	"roster-sync/internal/source"
)

const StatusScheduled = "scheduled"

// DefaultDateLayouts are tried in order when a source names none.
var DefaultDateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"2 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Mon 2 Jan 2006",
	"Monday, 2 January 2006",
	"Monday, January 2, 2006",
}

var (
	ErrBadDate     = errors.New("unparseable date")
	ErrMissingTeam = errors.New("team not given and source has no single default")
)

// Record is one persisted schedule row. The natural key is
// (SourceID, TeamName, Department, Date).
type Record struct {
	SourceID   string    `json:"source_id"`
	TeamName   string    `json:"team_name"`
	Department string    `json:"department"`
	Date       time.Time `json:"date"`
	ShiftType  string    `json:"shift_type"`
	Location   string    `json:"location,omitempty"`
	Status     string    `json:"status"`
	ScrapedAt  time.Time `json:"scraped_at"`
}

type key struct {
	team, dept string
	date       string
}

func (r Record) key() key {
	return key{team: r.TeamName, dept: r.Department, date: r.Date.Format("2006-01-02")}
}

// RowError describes a dropped row.
type RowError struct {
	Index int
	Err   error
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Index, e.Err) }
func (e RowError) Unwrap() error { return e.Err }

// Normalize maps rows to records. Dropped rows are reported in the returned
// errors; a repeated natural key keeps the last row in its first position.
func Normalize(src source.Source, rows []scraper.RawRow, now time.Time) ([]Record, []RowError) {
	layouts := src.DateLayouts
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	now = now.UTC()

	out := make([]Record, 0, len(rows))
	index := make(map[key]int, len(rows))
	var dropped []RowError

	for i, row := range rows {
		d, err := ParseDate(row.Date, layouts)
		if err != nil {
			dropped = append(dropped, RowError{Index: i, Err: err})
			continue
		}
		team := pick(row.Team, src.Teams)
		if team == "" {
			dropped = append(dropped, RowError{Index: i, Err: ErrMissingTeam})
			continue
		}
		rec := Record{
			SourceID:   src.ID,
			TeamName:   team,
			Department: pick(row.Department, src.Departments),
			Date:       d,
			ShiftType:  strings.ToUpper(strings.TrimSpace(row.Shift)),
			Location:   strings.TrimSpace(row.Location),
			Status:     StatusScheduled,
			ScrapedAt:  now,
		}
		k := rec.key()
		if at, ok := index[k]; ok {
			out[at] = rec
			continue
		}
		index[k] = len(out)
		out = append(out, rec)
	}
	return out, dropped
}

// pick returns v trimmed, or the only configured default when v is blank.
func pick(v string, defaults []string) string {
	v = strings.TrimSpace(v)
	if v != "" {
		return v
	}
	if len(defaults) == 1 {
		return strings.TrimSpace(defaults[0])
	}
	return ""
}

// ParseDate tries each layout and returns the calendar day at UTC midnight.
func ParseDate(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrBadDate)
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, s)
}

// Distinct returns the sorted distinct team and department names.
func Distinct(records []Record) (teams, departments []string) {
	ts := map[string]struct{}{}
	ds := map[string]struct{}{}
	for _, r := range records {
		ts[r.TeamName] = struct{}{}
		if r.Department != "" {
			ds[r.Department] = struct{}{}
		}
	}
	teams = keys(ts)
	departments = keys(ds)
	return teams, departments
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
