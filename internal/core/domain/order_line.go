package domain

// OrderLine is a single customer order line. It is a value: two lines are
// the same line when all three fields match.
type OrderLine struct {
	OrderID string
	SKU     string
	Qty     int
}
