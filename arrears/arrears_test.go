package arrears

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCompute_DailyNothingPaid(t *testing.T) {
	// GIVEN: a daily loan started Monday 2025-03-03, Mon..Sat business days
	// WHEN: computing on Saturday 2025-03-08 with no payments
	// THEN: Tue..Sat are due (5 installments), all late
	res := Compute(Input{
		StartDate:         day(2025, time.March, 3),
		InstallmentAmount: decimal.NewFromInt(10),
		InstallmentCount:  20,
		TotalPaid:         decimal.Zero,
		AsOf:              day(2025, time.March, 8),
	})

	assert.Equal(t, 5, res.ExpectedInstallments)
	assert.Equal(t, 0, res.PaidInstallments)
	assert.Equal(t, 5, res.InstallmentsLate)
	assert.Equal(t, 5, res.DaysLate)
	assert.Equal(t, "2025-03-08", res.AsOf)
}

func TestCompute_SundayHolidayAndPauseAreSkipped(t *testing.T) {
	// Start Friday 2025-03-07. Sat 8 is a holiday, Sun 9 is off,
	// Mon 10 - Tue 11 paused. Only Wed 12 is due by Wed 12.
	res := Compute(Input{
		Config: Config{
			Holidays: []string{"2025-03-08"},
			Pauses:   []DateRange{{From: "2025-03-10", To: "2025-03-11"}},
		},
		StartDate:         day(2025, time.March, 7),
		InstallmentAmount: decimal.NewFromInt(10),
		InstallmentCount:  20,
		AsOf:              day(2025, time.March, 12),
	})

	assert.Equal(t, 1, res.ExpectedInstallments)
	assert.Equal(t, 1, res.InstallmentsLate)
	assert.Equal(t, 1, res.DaysLate)
}

func TestCompute_PartialPaymentsCountWholeInstallments(t *testing.T) {
	res := Compute(Input{
		StartDate:         day(2025, time.March, 3),
		InstallmentAmount: decimal.NewFromInt(10),
		InstallmentCount:  20,
		TotalPaid:         decimal.NewFromInt(35),
		AsOf:              day(2025, time.March, 8),
	})

	assert.Equal(t, 3, res.PaidInstallments)
	assert.Equal(t, 2, res.InstallmentsLate)
	// Oldest unpaid due is Fri 7; Fri and Sat are late.
	assert.Equal(t, 2, res.DaysLate)
}

func TestCompute_AdvanceOnlyWhenAllowed(t *testing.T) {
	in := Input{
		StartDate:         day(2025, time.March, 3),
		InstallmentAmount: decimal.NewFromInt(10),
		InstallmentCount:  20,
		TotalPaid:         decimal.NewFromInt(80),
		AsOf:              day(2025, time.March, 5),
	}

	res := Compute(in)
	assert.Equal(t, 0, res.InstallmentsLate)
	assert.Equal(t, 0, res.AdvanceInstallments)

	in.Config.AllowAdvance = true
	res = Compute(in)
	assert.Equal(t, 2, res.ExpectedInstallments)
	assert.Equal(t, 6, res.AdvanceInstallments)
}

func TestCompute_WeeklyShiftsPastGaps(t *testing.T) {
	// Start Sunday 2025-03-02; +7 is Sunday 9 (off) -> due Monday 10.
	res := Compute(Input{
		Config:            Config{Mode: ModeWeekly},
		StartDate:         day(2025, time.March, 2),
		InstallmentAmount: decimal.NewFromInt(50),
		InstallmentCount:  4,
		AsOf:              day(2025, time.March, 10),
	})

	assert.Equal(t, 1, res.ExpectedInstallments)
	assert.Equal(t, 1, res.DaysLate)
}

func TestCompute_ExpectedCappedAtInstallmentCount(t *testing.T) {
	res := Compute(Input{
		StartDate:         day(2025, time.January, 1),
		InstallmentAmount: decimal.NewFromInt(10),
		InstallmentCount:  3,
		AsOf:              day(2025, time.June, 1),
	})

	assert.Equal(t, 3, res.ExpectedInstallments)
	assert.Equal(t, 3, res.InstallmentsLate)
}
