package models

import (
	"encoding/json"
	"testing"
)

func TestLocationProvided(t *testing.T) {
	if (Location{}).Provided() {
		t.Fatal("zero location should read as missing")
	}
	if !(Location{Address: "MG Road"}).Provided() {
		t.Fatal("address alone should count as provided")
	}
	if !(Location{Point: GeoPoint{Lat: 12.95, Lon: 77.60}}).Provided() {
		t.Fatal("coordinates alone should count as provided")
	}
}

func TestRideJSONCarriesDerivedSeats(t *testing.T) {
	r := Ride{
		ID:             "ride-1",
		SeatsAvailable: 3,
		Riders: []RiderEntry{
			{RiderID: "a", Status: SeatRequested},
			{RiderID: "b", Status: SeatPaid},
			{RiderID: "c", Status: SeatRejected},
		},
	}
	b, err := json.Marshal(&r)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		SeatsAvailable int `json:"seats_available"`
		OccupiedSeats  int `json:"occupied_seats"`
		AvailableSeats int `json:"available_seats"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	// the rejected entry does not hold a seat
	if got.SeatsAvailable != 3 || got.OccupiedSeats != 2 || got.AvailableSeats != 1 {
		t.Fatalf("seats = %+v, want ceiling 3, occupied 2, available 1", got)
	}
}
