package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is inside the WGS84 range.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type TripStatus string

const (
	StatusPending    TripStatus = "pending"
	StatusAccepted   TripStatus = "accepted"
	StatusInProgress TripStatus = "in_progress"
	StatusCompleted  TripStatus = "completed"
	StatusCancelled  TripStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type TripType string

const (
	TripUrban     TripType = "urban"
	TripIntercity TripType = "intercity"
	TripShared    TripType = "shared"
	TripEconomy   TripType = "economy"
)

func ValidTripType(t TripType) bool {
	switch t {
	case TripUrban, TripIntercity, TripShared, TripEconomy:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PayCash       PaymentMethod = "cash"
	PayElectronic PaymentMethod = "electronic"
)

// Trip is one ride from request to terminal outcome. DriverID stays empty
// until an offer for the trip is accepted and is never reassigned afterwards.
type Trip struct {
	ID           string        `json:"id"`
	PassengerID  string        `json:"passenger_id"`
	DriverID     string        `json:"driver_id,omitempty"`
	Pickup       Coord         `json:"pickup"`
	Dropoff      Coord         `json:"dropoff"`
	DistanceM    float64       `json:"distance_meters"`
	Type         TripType      `json:"trip_type"`
	DiscountCode string        `json:"discount_code,omitempty"`
	Payment      PaymentMethod `json:"payment_method"`
	Status       TripStatus    `json:"status"`
	Fare         float64       `json:"fare,omitempty"`
	PaymentID    string        `json:"payment_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	AcceptedAt   *time.Time    `json:"accepted_at,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// StatusChange is one row of a trip's append-only status history.
type StatusChange struct {
	Status TripStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

type OfferStatus string

const (
	OfferIssued   OfferStatus = "issued"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

// Offer is a time-boxed proposal of a pending trip to one driver.
type Offer struct {
	ID          string      `json:"id"`
	TripID      string      `json:"trip_id"`
	DriverID    string      `json:"driver_id"`
	Status      OfferStatus `json:"status"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

func (o *Offer) ExpiredBy(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// DriverLocation is a driver's last reported position plus online flag.
type DriverLocation struct {
	DriverID   string    `json:"driver_id"`
	Loc        Coord     `json:"loc"`
	Online     bool      `json:"online"`
	ReportedAt time.Time `json:"reported_at"`
}

// Payment is the record created when a trip completes.
type Payment struct {
	ID          string        `json:"id"`
	TripID      string        `json:"trip_id"`
	Amount      float64       `json:"amount"`
	PlatformFee float64       `json:"platform_fee"`
	Method      PaymentMethod `json:"method"`
	Status      string        `json:"status"` // pending, completed, failed
	ProviderRef string        `json:"provider_ref,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
