// Package quota вычисляет окна и остатки годовой квоты пассажиров по программам.
package quota

import (
	"time"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

// WindowPolicy описывает способ построения окна квоты.
type WindowPolicy int

const (
	// CalendarYear — с 1 января по 31 декабря года опорной даты.
	CalendarYear WindowPolicy = iota
	// Rolling365 — опорная дата минус 364 дня включительно, до конца опорной даты.
	Rolling365
)

// UnlimitedPassengers — практически неограниченный лимит для программ без квоты.
const UnlimitedPassengers = 9999

// Rule — правило квоты программы.
type Rule struct {
	Policy WindowPolicy
	Limit  int
}

var rules = map[model.Program]Rule{
	model.ProgramLatam:  {Policy: Rolling365, Limit: 25},
	model.ProgramSmiles: {Policy: CalendarYear, Limit: 25},
	model.ProgramLivelo: {Policy: CalendarYear, Limit: UnlimitedPassengers},
	model.ProgramEsfera: {Policy: CalendarYear, Limit: UnlimitedPassengers},
}

// RuleFor возвращает правило квоты программы.
func RuleFor(p model.Program) Rule {
	if r, ok := rules[p]; ok {
		return r
	}
	return Rule{Policy: CalendarYear, Limit: UnlimitedPassengers}
}

// Window — окно квоты. From включительно, Until исключительно; End — последний момент окна.
type Window struct {
	From  time.Time
	Until time.Time
}

// End возвращает последний момент окна (23:59:59.999999999 последнего дня).
func (w Window) End() time.Time {
	return w.Until.Add(-time.Nanosecond)
}

// WindowFor строит окно квоты программы для опорной даты. Даты считаются в UTC по целым дням.
func WindowFor(p model.Program, ref time.Time) Window {
	day := truncateDay(ref)
	switch RuleFor(p).Policy {
	case Rolling365:
		return Window{
			From:  day.AddDate(0, 0, -364),
			Until: day.AddDate(0, 0, 1),
		}
	default:
		start := time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		return Window{
			From:  start,
			Until: start.AddDate(1, 0, 0),
		}
	}
}

// Status — состояние квоты цедента по программе.
type Status struct {
	Program     model.Program `json:"program"`
	Limit       int           `json:"limit"`
	Used        int           `json:"used"`
	Remaining   int           `json:"remaining"`
	WindowStart time.Time     `json:"windowStart"`
	WindowEnd   time.Time     `json:"windowEnd"`
}

// NewStatus собирает состояние квоты по окну и числу уже выпущенных пассажиров.
func NewStatus(p model.Program, w Window, used int) Status {
	limit := RuleFor(p).Limit
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Program:     p,
		Limit:       limit,
		Used:        used,
		Remaining:   remaining,
		WindowStart: w.From,
		WindowEnd:   w.End(),
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
