package payroll

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Breakdown is the result of a payroll calculation.
type Breakdown struct {
	Base       Money
	Additions  Money
	Deductions Money
	Net        Money
}

// Calculator computes derived payroll amounts for one employee.
// The batch engine treats it as opaque.
type Calculator interface {
	Compute(emp Employee) (Breakdown, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(emp Employee) (Breakdown, error)

func (f CalculatorFunc) Compute(emp Employee) (Breakdown, error) { return f(emp) }

// TaxBracket is a progressive income tax band. UpTo is the inclusive upper
// bound of annual taxable income; zero means unbounded.
type TaxBracket struct {
	UpTo decimal.Decimal
	Rate decimal.Decimal
}

// StandardCalculator applies statutory deductions to a monthly base salary:
// social contribution, progressive income tax on the annualised taxable base,
// and flat regional and municipal surcharges.
type StandardCalculator struct {
	SocialRate    decimal.Decimal
	Brackets      []TaxBracket
	RegionalRate  decimal.Decimal
	MunicipalRate decimal.Decimal
}

// NewStandardCalculator returns the calculator with the default rates.
func NewStandardCalculator() *StandardCalculator {
	return &StandardCalculator{
		SocialRate: decimal.RequireFromString("0.0919"),
		Brackets: []TaxBracket{
			{UpTo: decimal.NewFromInt(15000), Rate: decimal.RequireFromString("0.23")},
			{UpTo: decimal.NewFromInt(28000), Rate: decimal.RequireFromString("0.25")},
			{UpTo: decimal.NewFromInt(50000), Rate: decimal.RequireFromString("0.35")},
			{Rate: decimal.RequireFromString("0.43")},
		},
		RegionalRate:  decimal.RequireFromString("0.0123"),
		MunicipalRate: decimal.RequireFromString("0.008"),
	}
}

// Compute implements Calculator.
func (c *StandardCalculator) Compute(emp Employee) (Breakdown, error) {
	base := emp.BaseSalary
	if base.IsNegative() {
		return Breakdown{}, fmt.Errorf("employee %s: negative base salary %s", emp.ID, FormatMoney(base))
	}

	months := decimal.NewFromInt(12)
	social := base.Mul(c.SocialRate)
	taxableMonthly := base.Sub(social)
	annualTax := c.incomeTax(taxableMonthly.Mul(months))
	incomeTax := annualTax.Div(months)
	regional := taxableMonthly.Mul(c.RegionalRate)
	municipal := taxableMonthly.Mul(c.MunicipalRate)

	deductions := social.Add(incomeTax).Add(regional).Add(municipal).Round(2)
	additions := decimal.Zero
	return Breakdown{
		Base:       base.Round(2),
		Additions:  additions,
		Deductions: deductions,
		Net:        base.Add(additions).Sub(deductions).Round(2),
	}, nil
}

func (c *StandardCalculator) incomeTax(annual decimal.Decimal) decimal.Decimal {
	tax := decimal.Zero
	lower := decimal.Zero
	for _, b := range c.Brackets {
		if !annual.GreaterThan(lower) {
			break
		}
		upper := annual
		if !b.UpTo.IsZero() && annual.GreaterThan(b.UpTo) {
			upper = b.UpTo
		}
		tax = tax.Add(upper.Sub(lower).Mul(b.Rate))
		if b.UpTo.IsZero() {
			break
		}
		lower = b.UpTo
	}
	return tax
}
