package domain

import "github.com/shopspring/decimal"

// RiskCheck is the outcome of one pre-trade check.
type RiskCheck struct {
	Name   string
	Passed bool
	Detail string
}

// RiskValidation is the full record of a pre-trade validation run. Every
// check is evaluated and recorded even after one fails, so an operator sees
// the complete picture; Approved is true only when all checks passed.
type RiskValidation struct {
	Checks   []RiskCheck
	Approved bool
	Reasons  []string
}

// Record appends a check outcome and folds it into the overall result.
func (v *RiskValidation) Record(name string, passed bool, detail string) {
	v.Checks = append(v.Checks, RiskCheck{Name: name, Passed: passed, Detail: detail})
	if !passed {
		v.Approved = false
		v.Reasons = append(v.Reasons, name+": "+detail)
	}
}

// BookSnapshot is a point-in-time view of the open book, used by the risk
// validator to evaluate exposure limits.
type BookSnapshot struct {
	OpenCount     int
	TotalExposure decimal.Decimal
}
