package domain

// Tenant is the restaurant profile the engine needs for billing and
// notifications.
type Tenant struct {
	ID            string
	Name          string
	Plan          string
	NotifyPhone   string
	PhoneNumberID string
	Language      string
}
