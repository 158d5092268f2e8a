package models

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

type RideKind string

const (
	KindRide    RideKind = "ride"
	KindCourier RideKind = "courier"
)

// RideStatus is the lifecycle status of a ride or courier delivery.
type RideStatus string

const (
	StatusNone          RideStatus = "none"
	StatusRequested     RideStatus = "requested"
	StatusAccepted      RideStatus = "accepted"
	StatusDriverArrived RideStatus = "driver_arrived"
	StatusInProgress    RideStatus = "in_progress"
	StatusCompleted     RideStatus = "completed"
	StatusCancelled     RideStatus = "cancelled"
	StatusDeclined      RideStatus = "declined"
)

// Terminal reports whether no further transition can leave s except the reset to none.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDeclined
}

func (s RideStatus) Valid() bool {
	switch s {
	case StatusNone, StatusRequested, StatusAccepted, StatusDriverArrived,
		StatusInProgress, StatusCompleted, StatusCancelled, StatusDeclined:
		return true
	}
	return false
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

type Vehicle struct {
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Color string `json:"color,omitempty"`
	Plate string `json:"plate,omitempty"`
}

// Ride is the relay's record of a ride or delivery.
type Ride struct {
	ID            string     `json:"id"`
	Kind          RideKind   `json:"kind"`
	CustomerID    string     `json:"customer_id"`
	DriverID      string     `json:"driver_id,omitempty"`
	Pickup        Coord      `json:"pickup"`
	Dropoff       Coord      `json:"dropoff"`
	PickupAddress string     `json:"pickup_address,omitempty"`
	DropAddress   string     `json:"dropoff_address,omitempty"`
	Fare          float64    `json:"fare"`
	Status        RideStatus `json:"status"`
	DeclineReason string     `json:"decline_reason,omitempty"`
	OfferedTo     []string   `json:"-"`
	DeclinedBy    []string   `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Clone returns a copy that shares no slices with r.
func (r *Ride) Clone() *Ride {
	c := *r
	c.OfferedTo = append([]string(nil), r.OfferedTo...)
	c.DeclinedBy = append([]string(nil), r.DeclinedBy...)
	return &c
}
