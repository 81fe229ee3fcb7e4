package core

// YearSummary is the read-side view of a budget year: the aggregate totals
// plus every particular's remaining allocation.
type YearSummary struct {
	Year             int
	Ceiling          Money
	TotalIncome      Money
	TotalExpense     Money
	RemainingBalance Money
	Particulars      []Particular
}
