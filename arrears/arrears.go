/*
Package arrears computes how far behind a loan is.

PURPOSE:
  Arrears is the count of expected-but-uncollected installments for a loan,
  derived from a business-day calendar, holidays and pause ranges. The
  computation is a pure function: same inputs, same result, no I/O. Callers
  (the payment applier) feed it the loan's configuration and the sum of its
  full payment history.

CALENDAR:
  BusinessDays is a 7-character mask, Monday first ("1111110" = Mon..Sat).
  A day counts when its weekday is enabled, it is not a holiday and it does
  not fall inside any pause range (inclusive on both ends).

MODES:
  daily   one installment due on each counted day after the start date
  weekly  one installment due every 7 calendar days after the start date,
          moved forward to the next counted day when it lands on a gap

ADVANCE:
  With AllowAdvance, installments paid beyond what is due are reported as
  AdvanceInstallments. Without it, extra payments never offset future dues.
*/
package arrears

import (
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// DefaultBusinessDays is Monday through Saturday.
const DefaultBusinessDays = "1111110"

// Mode selects the installment cadence.
type Mode string

const (
	ModeDaily  Mode = "daily"
	ModeWeekly Mode = "weekly"
)

// DateRange is an inclusive [From, To] range of canonical dates.
type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Config is the per-loan arrears configuration.
type Config struct {
	BusinessDays string      `json:"business_days,omitempty"`
	Holidays     []string    `json:"holidays,omitempty"`
	Pauses       []DateRange `json:"pauses,omitempty"`
	Mode         Mode        `json:"mode,omitempty"`
	AllowAdvance bool        `json:"allow_advance,omitempty"`
}

// Input is everything Compute needs.
type Input struct {
	Config            Config
	StartDate         time.Time
	InstallmentAmount decimal.Decimal
	InstallmentCount  int
	TotalPaid         decimal.Decimal
	AsOf              time.Time
}

// Result holds the arrears counters persisted on the loan.
type Result struct {
	ExpectedInstallments int    `json:"expected_installments"`
	PaidInstallments     int    `json:"paid_installments"`
	InstallmentsLate     int    `json:"installments_late"`
	DaysLate             int    `json:"days_late"`
	AdvanceInstallments  int    `json:"advance_installments"`
	AsOf                 string `json:"as_of,omitempty"`
}

// Compute derives the arrears counters for a loan as of in.AsOf.
func Compute(in Input) Result {
	cal := newCalendar(in.Config)
	start := civil(in.StartDate)
	asOf := civil(in.AsOf)

	due := cal.dueDates(in.Config.Mode, start, asOf, in.InstallmentCount)

	paid := 0
	if in.InstallmentAmount.IsPositive() {
		paid = int(in.TotalPaid.Div(in.InstallmentAmount).Floor().IntPart())
	}
	if in.InstallmentCount > 0 && paid > in.InstallmentCount {
		paid = in.InstallmentCount
	}
	if paid < 0 {
		paid = 0
	}

	res := Result{
		ExpectedInstallments: len(due),
		PaidInstallments:     paid,
		AsOf:                 asOf.Format(dateLayout),
	}

	if paid >= len(due) {
		if in.Config.AllowAdvance {
			res.AdvanceInstallments = paid - len(due)
		}
		return res
	}

	res.InstallmentsLate = len(due) - paid
	res.DaysLate = cal.countDays(due[paid], asOf)
	return res
}

// =============================================================================
// CALENDAR
// =============================================================================

type calendar struct {
	mask     [7]bool // Monday first
	holidays map[string]bool
	pauses   []span
}

type span struct{ from, to time.Time }

func newCalendar(cfg Config) calendar {
	mask := cfg.BusinessDays
	if len(mask) != 7 {
		mask = DefaultBusinessDays
	}

	c := calendar{holidays: make(map[string]bool, len(cfg.Holidays))}
	for i := 0; i < 7; i++ {
		c.mask[i] = mask[i] == '1'
	}
	for _, h := range cfg.Holidays {
		if t, err := time.Parse(dateLayout, h); err == nil {
			c.holidays[t.Format(dateLayout)] = true
		}
	}
	for _, p := range cfg.Pauses {
		from, err1 := time.Parse(dateLayout, p.From)
		to, err2 := time.Parse(dateLayout, p.To)
		if err1 != nil || err2 != nil || to.Before(from) {
			continue
		}
		c.pauses = append(c.pauses, span{from: from, to: to})
	}
	return c
}

// counts reports whether installments can fall due on day.
func (c calendar) counts(day time.Time) bool {
	if !c.mask[(int(day.Weekday())+6)%7] {
		return false
	}
	if c.holidays[day.Format(dateLayout)] {
		return false
	}
	for _, p := range c.pauses {
		if !day.Before(p.from) && !day.After(p.to) {
			return false
		}
	}
	return true
}

func (c calendar) dueDates(mode Mode, start, asOf time.Time, limit int) []time.Time {
	var due []time.Time
	if !c.anyDay() {
		return due
	}

	full := func() bool { return limit > 0 && len(due) >= limit }

	switch mode {
	case ModeWeekly:
		for k := 1; !full(); k++ {
			d := c.nextCounted(start.AddDate(0, 0, 7*k))
			if d.After(asOf) {
				break
			}
			due = append(due, d)
		}
	default:
		for d := start.AddDate(0, 0, 1); !d.After(asOf) && !full(); d = d.AddDate(0, 0, 1) {
			if c.counts(d) {
				due = append(due, d)
			}
		}
	}
	return due
}

func (c calendar) nextCounted(d time.Time) time.Time {
	// Bounded so a year-long pause cannot spin forever.
	for i := 0; i < 366 && !c.counts(d); i++ {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// countDays counts counted days in [from, to].
func (c calendar) countDays(from, to time.Time) int {
	n := 0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if c.counts(d) {
			n++
		}
	}
	return n
}

func (c calendar) anyDay() bool {
	for _, on := range c.mask {
		if on {
			return true
		}
	}
	return false
}

func civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
