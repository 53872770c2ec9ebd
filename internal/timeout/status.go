package timeout

// OrderType tags one of the order families sharing the timeout engine.
type OrderType string

const (
	OrderTypeMail            OrderType = "MAIL"
	OrderTypeShopping        OrderType = "SHOPPING"
	OrderTypePurchaseRequest OrderType = "PURCHASE_REQUEST"
)

// OrderTypes lists every supported order type in sweep order.
func OrderTypes() []OrderType {
	return []OrderType{OrderTypeMail, OrderTypeShopping, OrderTypePurchaseRequest}
}

// Valid reports whether t belongs to the closed order-type set.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMail, OrderTypeShopping, OrderTypePurchaseRequest:
		return true
	}
	return false
}

// Phase identifies which leg of the order lifecycle is being timed. The phase
// determines the reference timestamp elapsed time is measured from.
type Phase string

const (
	PhasePickup       Phase = "pickup"
	PhaseDelivery     Phase = "delivery"
	PhaseConfirmation Phase = "confirmation"
)

// Severity ranks how urgently a timeout status needs operator attention.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Status is the timeout state of an order, orthogonal to its business status.
type Status string

const (
	StatusNormal Status = "NORMAL"

	StatusPickupWarning       Status = "PICKUP_WARNING"
	StatusDeliveryWarning     Status = "DELIVERY_WARNING"
	StatusConfirmationWarning Status = "CONFIRMATION_WARNING"

	StatusPickupTimeout       Status = "PICKUP_TIMEOUT"
	StatusDeliveryTimeout     Status = "DELIVERY_TIMEOUT"
	StatusConfirmationTimeout Status = "CONFIRMATION_TIMEOUT"
)

// IsWarning reports whether the status is one of the warning variants.
func (s Status) IsWarning() bool {
	switch s {
	case StatusPickupWarning, StatusDeliveryWarning, StatusConfirmationWarning:
		return true
	}
	return false
}

// IsTimeout reports whether the status is one of the timeout variants.
func (s Status) IsTimeout() bool {
	switch s {
	case StatusPickupTimeout, StatusDeliveryTimeout, StatusConfirmationTimeout:
		return true
	}
	return false
}

// NotificationRequired reports whether reaching this status must notify the
// owning user.
func (s Status) NotificationRequired() bool {
	return s.IsWarning() || s.IsTimeout()
}

// Severity returns the alerting level attached to the status.
func (s Status) Severity() Severity {
	switch {
	case s.IsTimeout():
		return SeverityHigh
	case s.IsWarning():
		return SeverityMedium
	}
	return SeverityLow
}

// WarningStatus returns the warning variant for the given phase.
func WarningStatus(p Phase) Status {
	switch p {
	case PhaseDelivery:
		return StatusDeliveryWarning
	case PhaseConfirmation:
		return StatusConfirmationWarning
	}
	return StatusPickupWarning
}

// TimeoutStatus returns the timeout variant for the given phase.
func TimeoutStatus(p Phase) Status {
	switch p {
	case PhaseDelivery:
		return StatusDeliveryTimeout
	case PhaseConfirmation:
		return StatusConfirmationTimeout
	}
	return StatusPickupTimeout
}
