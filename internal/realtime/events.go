package realtime

import (
	"encoding/json"
	"time"

	"github.com/example/rider-core/internal/models"
)

// Client -> server event names. These are the wire contract with dispatch.
const (
	EvtRegisterUser             = "registerUser"
	EvtBookRide                 = "bookRide"
	EvtCancelRide               = "cancelRide"
	EvtGetRideStatus            = "getRideStatus"
	EvtRequestDriverLocation    = "requestDriverLocation"
	EvtRequestNearbyDrivers     = "requestNearbyDrivers"
	EvtUserLocationUpdate       = "userLocationUpdate"
	EvtGetCurrentPrices         = "getCurrentPrices"
	EvtDriverReachedDestination = "driverReachedDestination"
)

// Server -> client event names.
const (
	EvtRideCreated          = "rideCreated"
	EvtDriverLiveLocation   = "driverLiveLocationUpdate"
	EvtNearbyDriversResp    = "nearbyDriversResponse"
	EvtDriverStatusUpdate   = "driverStatusUpdate"
	EvtOTPVerified          = "otpVerified"
	EvtRideStarted          = "rideStarted"
	EvtDriverStartedRide    = "driverStartedRide"
	EvtRideCompleted        = "rideCompleted"
	EvtBillAlert            = "billAlert"
	EvtRideCancelled        = "rideCancelled"
	EvtPriceUpdate          = "priceUpdate"
	EvtCurrentPrices        = "currentPrices"
)

// AcceptanceEvents are the differently-named server events that all carry the
// same logical "a driver took your ride" payload. The channel funnels every
// one of them into a single normalized Acceptance so the lifecycle machine
// has exactly one entry point for the transition.
var AcceptanceEvents = []string{
	"rideAccepted",
	"rideAcceptedBroadcast",
	"backupRideAccepted",
	"driverDataResponse",
	"rideStatusResponse",
}

type RegisterUser struct {
	UserID string `json:"userId"`
}

type WireStop struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type BookRide struct {
	UserID         string   `json:"userId"`
	CustomerID     string   `json:"customerId"`
	UserName       string   `json:"userName"`
	UserMobile     string   `json:"userMobile"`
	Pickup         WireStop `json:"pickup"`
	Drop           WireStop `json:"drop"`
	VehicleType    string   `json:"vehicleType"`
	OTP            string   `json:"otp"`
	EstimatedPrice int64    `json:"estimatedPrice"`
	Distance       float64  `json:"distance"`
	TravelTime     float64  `json:"travelTime"`
	WantReturn     bool     `json:"wantReturn"`
}

type BookAck struct {
	Success bool   `json:"success"`
	RideID  string `json:"rideId"`
	Message string `json:"message,omitempty"`
}

type RideCreated struct {
	Success bool   `json:"success"`
	RideID  string `json:"rideId"`
	OTP     string `json:"otp"`
	Message string `json:"message,omitempty"`
}

type CancelRide struct {
	RideID string `json:"rideId"`
}

type GetRideStatus struct {
	RideID string `json:"rideId"`
}

type RequestDriverLocation struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
	Priority string `json:"priority,omitempty"`
}

type RequestNearbyDrivers struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Radius      float64 `json:"radius"`
	VehicleType string  `json:"vehicleType"`
}

type UserLocationUpdate struct {
	UserID    string  `json:"userId"`
	RideID    string  `json:"rideId,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

type DriverReachedDestination struct {
	RideID   string  `json:"rideId"`
	DriverID string  `json:"driverId"`
	Distance float64 `json:"distance"`
}

// DriverLiveLocation is a raw driver position ping. Timestamp is server
// epoch milliseconds.
type DriverLiveLocation struct {
	DriverID  string  `json:"driverId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Heading   float64 `json:"heading"`
	Speed     float64 `json:"speed"`
	Timestamp int64   `json:"timestamp"`
}

func (d DriverLiveLocation) Time() time.Time {
	return time.UnixMilli(d.Timestamp)
}

type NearbyDriverWire struct {
	DriverID    string  `json:"driverId"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	VehicleType string  `json:"vehicleType"`
	Status      string  `json:"status"`
}

type NearbyDriversResponse struct {
	Drivers []NearbyDriverWire `json:"drivers"`
}

type DriverStatusUpdate struct {
	DriverID string `json:"driverId"`
	Status   string `json:"status"`
}

type RideStarted struct {
	RideID string `json:"rideId"`
}

type RideCancelled struct {
	RideID string `json:"rideId"`
}

// Acceptance is the normalized form of every acceptance-alias event.
type Acceptance struct {
	RideID      string
	DriverID    string
	DriverName  string
	DriverPhone string
	VehicleType models.VehicleClass
	// Position is nil when the payload omitted driver coordinates; the
	// machine falls back to the pickup draft and logs the degraded case.
	Position *models.LatLng
}

// acceptanceWire tolerates the field-name drift across the alias events.
type acceptanceWire struct {
	RideID    string `json:"rideId"`
	RideIDAlt string `json:"ride_id"`

	DriverID    string `json:"driverId"`
	DriverIDAlt string `json:"driver_id"`

	DriverName string `json:"driverName"`
	Name       string `json:"name"`

	DriverPhone string `json:"driverPhone"`
	Phone       string `json:"phone"`
	Mobile      string `json:"mobile"`

	VehicleType string `json:"vehicleType"`

	DriverLat *float64 `json:"driverLat"`
	Lat       *float64 `json:"lat"`
	Latitude  *float64 `json:"latitude"`

	DriverLng *float64 `json:"driverLng"`
	Lng       *float64 `json:"lng"`
	Longitude *float64 `json:"longitude"`
}

// ParseAcceptance decodes any acceptance-alias payload into the normalized
// form. ok is false when the payload carries no driver id, which happens for
// status-poll replies about rides that have no driver yet.
func ParseAcceptance(raw json.RawMessage) (Acceptance, bool) {
	var w acceptanceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Acceptance{}, false
	}
	a := Acceptance{
		RideID:      coalesce(w.RideID, w.RideIDAlt),
		DriverID:    coalesce(w.DriverID, w.DriverIDAlt),
		DriverName:  coalesce(w.DriverName, w.Name),
		DriverPhone: coalesce(w.DriverPhone, w.Phone, w.Mobile),
		VehicleType: models.VehicleClass(w.VehicleType),
	}
	if a.DriverID == "" {
		return Acceptance{}, false
	}
	lat := coalesceFloat(w.DriverLat, w.Lat, w.Latitude)
	lng := coalesceFloat(w.DriverLng, w.Lng, w.Longitude)
	if lat != nil && lng != nil {
		a.Position = &models.LatLng{Lat: *lat, Lng: *lng}
	}
	return a, true
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func coalesceFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
