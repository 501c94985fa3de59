package domain

type PaymentConfirmed struct {
	OrderID     string
	OrderNumber string
	Reference   string
	AmountMinor int64
	Currency    string
	Source      Source
}

type PaymentFailed struct {
	OrderID   string
	Reference string
	Reason    string
}

type SecurityIncident struct {
	Kind             string
	OrderID          string
	Reference        string
	ExpectedMinor    int64
	ReportedMinor    int64
	ExpectedCurrency string
	ReportedCurrency string
	Source           Source
}

type PaymentAnomaly struct {
	OrderID   string
	Reference string
	Outcome   Outcome
	Reason    string
}
