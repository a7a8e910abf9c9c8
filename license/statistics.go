package license

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"
)

// PeriodFunc maps a wall-clock instant to the period it belongs to.
type PeriodFunc func(time.Time) string

// MonthlyPeriod is the default PeriodFunc: "yyyy-mm" in UTC, which sorts
// chronologically.
func MonthlyPeriod(t time.Time) string { return t.UTC().Format("2006-01") }

// Statistics records the users admitted per period in admission order.
type Statistics struct {
	Periods map[string][]string `json:"statistics"`
}

// NewStatistics returns empty statistics.
func NewStatistics() *Statistics {
	return &Statistics{Periods: make(map[string][]string)}
}

// ParseStatistics reads persisted statistics. A document without a
// "statistics" object is corrupt.
func ParseStatistics(data []byte) (*Statistics, error) {
	var raw struct {
		Periods *map[string][]string `json:"statistics"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStatistics, err)
	}
	if raw.Periods == nil || *raw.Periods == nil {
		return nil, fmt.Errorf("%w: missing statistics object", ErrCorruptStatistics)
	}
	s := NewStatistics()
	for period, users := range *raw.Periods {
		for _, u := range users {
			s.Add(period, u)
		}
		if _, ok := s.Periods[period]; !ok {
			s.Periods[period] = []string{}
		}
	}
	return s, nil
}

// Marshal encodes s with periods in ascending order.
func (s *Statistics) Marshal() ([]byte, error) {
	if s.Periods == nil {
		return []byte(`{"statistics":{}}`), nil
	}
	return json.Marshal(s)
}

func (s *Statistics) Users(period string) []string {
	return slices.Clone(s.Periods[period])
}

func (s *Statistics) Contains(period, userID string) bool {
	return slices.Contains(s.Periods[period], userID)
}

// Add appends userID to period and reports whether it was new.
func (s *Statistics) Add(period, userID string) bool {
	if s.Contains(period, userID) {
		return false
	}
	if s.Periods == nil {
		s.Periods = make(map[string][]string)
	}
	s.Periods[period] = append(s.Periods[period], userID)
	return true
}

// remove drops the last occurrence of userID from period.
func (s *Statistics) remove(period, userID string) {
	users := s.Periods[period]
	for i := len(users) - 1; i >= 0; i-- {
		if users[i] == userID {
			s.Periods[period] = append(users[:i:i], users[i+1:]...)
			break
		}
	}
	if len(s.Periods[period]) == 0 {
		delete(s.Periods, period)
	}
}

// Merge adds every user of o to s, keeping s's order first.
func (s *Statistics) Merge(o *Statistics) {
	if o == nil {
		return
	}
	for _, period := range o.PeriodNames() {
		for _, u := range o.Periods[period] {
			s.Add(period, u)
		}
	}
}

// PeriodNames returns the recorded periods in ascending order.
func (s *Statistics) PeriodNames() []string {
	out := make([]string, 0, len(s.Periods))
	for p := range s.Periods {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Statistics) Clone() *Statistics {
	c := NewStatistics()
	for p, users := range s.Periods {
		c.Periods[p] = slices.Clone(users)
	}
	return c
}
