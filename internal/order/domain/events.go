package domain

type StatusChanged struct {
	OrderID string
	Number  string
	From    OrderStatus
	To      OrderStatus
	Actor   string
}

type TotalRecomputed struct {
	OrderID       string
	PreviousTotal int64
	TotalMinor    int64
	Actor         string
}
