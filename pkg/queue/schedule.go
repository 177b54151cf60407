package queue

import (
	"fmt"
	"time"
)

// Schedule computes the next run after a given time.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

type interval time.Duration

func (s interval) Next(from time.Time) time.Time { return from.Add(time.Duration(s)) }
func (s interval) String() string                { return fmt.Sprintf("every %v", time.Duration(s)) }

type daily struct {
	hour, minute int
	loc          *time.Location
}

func (s daily) Next(from time.Time) time.Time {
	from = from.In(s.loc)
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d %s", s.hour, s.minute, s.loc)
}

// EveryInterval runs at a fixed interval.
func EveryInterval(d time.Duration) Schedule { return interval(d) }

// DailyAt runs once a day at hour:minute UTC.
func DailyAt(hour, minute int) Schedule { return daily{hour: hour, minute: minute, loc: time.UTC} }
