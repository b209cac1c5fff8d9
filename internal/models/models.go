package models

import "time"

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether the point still holds the zero value. The markets
// this app ships in are nowhere near (0,0), so the zero value doubles as
// "unset".
func (p LatLng) IsZero() bool { return p.Lat == 0 && p.Lng == 0 }

// Stop is a pickup or dropoff endpoint: a coordinate plus the human-readable
// address shown in the UI and sent to dispatch.
type Stop struct {
	Location LatLng `json:"location"`
	Address  string `json:"address"`
}

type VehicleClass string

const (
	VehicleBike   VehicleClass = "bike"
	VehicleTaxi   VehicleClass = "taxi"
	VehiclePorter VehicleClass = "porter"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleBike, VehicleTaxi, VehiclePorter:
		return true
	}
	return false
}

// RideStatus is the single source of truth for lifecycle branching.
type RideStatus string

const (
	StatusIdle      RideStatus = "idle"
	StatusSearching RideStatus = "searching"
	StatusOnTheWay  RideStatus = "on_the_way" // driver accepted, heading to pickup
	StatusArrived   RideStatus = "arrived"
	StatusStarted   RideStatus = "started"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

var statusRank = map[RideStatus]int{
	StatusIdle:      0,
	StatusSearching: 1,
	StatusOnTheWay:  2,
	StatusArrived:   3,
	StatusStarted:   4,
	StatusCompleted: 5,
}

// Rank orders the forward path Idle -> ... -> Completed. Cancelled sits
// outside the ordering; it is reachable from any non-terminal state.
func (s RideStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a driver is attached and the trip is in flight.
func (s RideStatus) Active() bool {
	return s == StatusOnTheWay || s == StatusArrived || s == StatusStarted
}

type DriverInfo struct {
	DriverID     string       `json:"driverId"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone"`
	VehicleClass VehicleClass `json:"vehicleClass"`
}

// NearbyDriver is an ephemeral pre-booking candidate. The roster is cleared
// the instant a ride is accepted.
type NearbyDriver struct {
	DriverID       string       `json:"driverId"`
	Position       LatLng       `json:"position"`
	VehicleClass   VehicleClass `json:"vehicleClass"`
	Status         string       `json:"status"`
	DistanceMeters float64      `json:"distanceMeters"`
}

// PriceTable holds server-pushed per-km rates. A zero rate means "unknown";
// quotes are gated on a real rate having arrived.
type PriceTable struct {
	Bike   float64 `json:"bike"`
	Taxi   float64 `json:"taxi"`
	Porter float64 `json:"port"`
}

func (t PriceTable) RateFor(v VehicleClass) float64 {
	switch v {
	case VehicleBike:
		return t.Bike
	case VehicleTaxi:
		return t.Taxi
	case VehiclePorter:
		return t.Porter
	}
	return 0
}

// Bill is the server-authoritative fare summary delivered on completion.
type Bill struct {
	DistanceKm  float64 `json:"distance"`
	TravelTime  float64 `json:"travelTime"`
	Charge      int64   `json:"charge"`
	DriverName  string  `json:"driverName"`
	VehicleType string  `json:"vehicleType"`
}

// MarkerAnimation describes how the displayed driver marker should converge
// toward the authoritative position. Rendering is the UI's job; we only pick
// the target and the duration.
type MarkerAnimation struct {
	To       LatLng        `json:"to"`
	Duration time.Duration `json:"duration"`
}

// RideSession is the aggregate root of an active or recently-terminal
// booking. Only the lifecycle machine writes it.
type RideSession struct {
	RideID                  string       `json:"rideId,omitempty"`
	Status                  RideStatus   `json:"status"`
	OTP                     string       `json:"otp,omitempty"`
	Pickup                  Stop         `json:"pickup"`
	Dropoff                 Stop         `json:"dropoff"`
	VehicleClass            VehicleClass `json:"vehicleClass,omitempty"`
	WantReturnTrip          bool         `json:"wantReturnTrip"`
	EstimatedPrice          *int64       `json:"estimatedPrice,omitempty"`
	DistanceKm              *float64     `json:"distanceKm,omitempty"`
	ETAMinutes              *float64     `json:"etaMinutes,omitempty"`
	AssignedDriver          *DriverInfo  `json:"assignedDriver,omitempty"`
	DriverPosition          *LatLng      `json:"driverPosition,omitempty"`
	DisplayedDriverPosition LatLng       `json:"displayedDriverPosition"`
	RoutePolyline           []LatLng     `json:"routePolyline,omitempty"`
	BookedAt                *time.Time   `json:"bookedAt,omitempty"`
	FinalBill               *Bill        `json:"finalBill,omitempty"`
}
