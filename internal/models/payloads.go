package models

import "time"

// RideRequestPayload is sent by a customer to ask for a ride or delivery.
type RideRequestPayload struct {
	RideID        string   `json:"ride_id"`
	Kind          RideKind `json:"kind"`
	Pickup        Coord    `json:"pickup"`
	Dropoff       Coord    `json:"dropoff"`
	PickupAddress string   `json:"pickup_address,omitempty"`
	DropAddress   string   `json:"dropoff_address,omitempty"`
	Fare          float64  `json:"fare"`
}

// RideOffer is what drivers receive in new_ride_request / new_courier_request.
type RideOffer struct {
	RideID        string    `json:"ride_id"`
	Kind          RideKind  `json:"kind"`
	CustomerID    string    `json:"customer_id"`
	CustomerName  string    `json:"customer_name,omitempty"`
	Pickup        Coord     `json:"pickup"`
	Dropoff       Coord     `json:"dropoff"`
	PickupAddress string    `json:"pickup_address,omitempty"`
	DropAddress   string    `json:"dropoff_address,omitempty"`
	Fare          float64   `json:"fare"`
	CreatedAt     time.Time `json:"created_at"`
}

// AcceptedPayload carries ride_accepted and ride_accepted_self.
type AcceptedPayload struct {
	RideID     string   `json:"ride_id"`
	Kind       RideKind `json:"kind,omitempty"`
	DriverID   string   `json:"driver_id"`
	DriverName string   `json:"driver_name,omitempty"`
	CustomerID string   `json:"customer_id,omitempty"`
	Vehicle    Vehicle  `json:"vehicle"`
	Fare       float64  `json:"fare,omitempty"`
}

// TakenPayload tells drivers that another driver won the accept race.
type TakenPayload struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

type StatusPayload struct {
	RideID string     `json:"ride_id"`
	Status RideStatus `json:"status"`
}

type DeclinedPayload struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

type DriverArrivedPayload struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id,omitempty"`
}

type LocationPayload struct {
	RideID   string  `json:"ride_id,omitempty"`
	DriverID string  `json:"driver_id,omitempty"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}
