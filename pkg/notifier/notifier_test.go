package notifier

import (
	"errors"
	"math"
	"testing"
)

func TestGeoPointValidate(t *testing.T) {
	tests := []struct {
		name    string
		point   GeoPoint
		wantErr bool
	}{
		{name: "london", point: GeoPoint{Latitude: 51.5074, Longitude: -0.1278}},
		{name: "north pole", point: GeoPoint{Latitude: 90, Longitude: 0}},
		{name: "antimeridian", point: GeoPoint{Latitude: 0, Longitude: -180}},
		{name: "latitude too large", point: GeoPoint{Latitude: 90.01}, wantErr: true},
		{name: "longitude too small", point: GeoPoint{Longitude: -180.5}, wantErr: true},
		{name: "nan", point: GeoPoint{Latitude: math.NaN()}, wantErr: true},
		{name: "nan longitude", point: GeoPoint{Latitude: 1, Longitude: math.NaN()}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.point.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("Validate() error = %v, want ErrInvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestReportFilterMatch(t *testing.T) {
	r := &Report{Type: ReportHazard, Status: StatusOpen}

	if !(ReportFilter{}).Match(r) {
		t.Error("empty filter should match everything")
	}
	if !(ReportFilter{Types: []ReportType{ReportCrime, ReportHazard}}).Match(r) {
		t.Error("type set containing hazard should match")
	}
	if (ReportFilter{Types: []ReportType{ReportCrime}}).Match(r) {
		t.Error("type set without hazard should not match")
	}
	if (ReportFilter{Status: StatusResolved}).Match(r) {
		t.Error("resolved filter should not match an open report")
	}
}

func TestAlertSubscriptionWants(t *testing.T) {
	all := &AlertSubscription{}
	if !all.Wants(ReportMissingPet) {
		t.Error("subscription without notify types should want every type")
	}

	pets := &AlertSubscription{NotifyTypes: []ReportType{ReportMissingPet}}
	if !pets.Wants(ReportMissingPet) || pets.Wants(ReportCrime) {
		t.Error("subscription should only want its configured types")
	}
}
