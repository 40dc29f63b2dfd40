package record

import (
	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// Extractor turns feed messages into records of a configured shape
type Extractor struct {
	vehicles    bool
	tripUpdates bool
}

// NewExtractor creates an extractor for one run. All (or an empty shape)
// extracts both layouts.
func NewExtractor(shape Shape) *Extractor {
	switch shape {
	case VehiclePositions:
		return &Extractor{vehicles: true}
	case TripUpdates:
		return &Extractor{tripUpdates: true}
	default:
		return &Extractor{vehicles: true, tripUpdates: true}
	}
}

// Extract emits records for every entity in feed order. Entities carrying
// neither sub-structure are skipped.
func (e *Extractor) Extract(feed *gtfs.FeedMessage) []Record {
	var records []Record
	for _, entity := range feed.GetEntity() {
		if e.vehicles && entity.GetVehicle() != nil {
			if v, ok := vehiclePosition(entity.GetId(), entity.GetVehicle()); ok {
				records = append(records, FromVehicle(v))
			}
		}
		if e.tripUpdates && entity.GetTripUpdate() != nil {
			for _, s := range tripUpdateStops(entity.GetId(), entity.GetTripUpdate()) {
				records = append(records, FromStopUpdate(s))
			}
		}
	}
	return records
}

// Extract emits records of both shapes
func Extract(feed *gtfs.FeedMessage) []Record {
	return NewExtractor(All).Extract(feed)
}

// vehiclePosition applies the validity filter: speed > 0 and a non-zero fix.
// Zero coordinates mean the vehicle had no fix. A NaN speed is not > 0.
func vehiclePosition(entityID string, vehicle *gtfs.VehiclePosition) (VehiclePosition, bool) {
	position := vehicle.GetPosition()
	if position == nil {
		return VehiclePosition{}, false
	}
	if !(position.GetSpeed() > 0) || position.GetLatitude() == 0 || position.GetLongitude() == 0 {
		return VehiclePosition{}, false
	}

	v := VehiclePosition{
		ID:                   entityID,
		TripID:               vehicle.GetTrip().GetTripId(),
		ScheduleRelationship: vehicle.GetTrip().GetScheduleRelationship().String(),
		Latitude:             float64(position.GetLatitude()),
		Longitude:            float64(position.GetLongitude()),
		Speed:                float64(position.GetSpeed()) * SpeedUnitFactor,
		CurrentStatus:        vehicle.GetCurrentStatus().String(),
		Timestamp:            int64(vehicle.GetTimestamp()),
		VehicleID:            vehicle.GetVehicle().GetId(),
		VehicleLabel:         vehicle.GetVehicle().GetLabel(),
		VehicleLicensePlate:  vehicle.GetVehicle().GetLicensePlate(),
	}
	if position.Bearing != nil {
		bearing := float64(position.GetBearing())
		v.Bearing = &bearing
	}
	if vehicle.StopId != nil {
		stopID := vehicle.GetStopId()
		v.StopID = &stopID
	}
	return v, true
}

// tripUpdateStops fans a trip update out into one row per stop-time update,
// in the order given by the feed
func tripUpdateStops(entityID string, tu *gtfs.TripUpdate) []TripUpdateStop {
	updates := tu.GetStopTimeUpdate()
	if len(updates) == 0 {
		return nil
	}

	trip := tu.GetTrip()
	stops := make([]TripUpdateStop, 0, len(updates))
	for _, stu := range updates {
		// Every row gets its own copies of the optional fields
		s := TripUpdateStop{
			ID:        entityID,
			TripID:    trip.GetTripId(),
			StartTime: trip.GetStartTime(),
			StartDate: trip.GetStartDate(),
			RouteID:   trip.GetRouteId(),
		}
		if tu.Delay != nil {
			delay := tu.GetDelay()
			s.Delay = &delay
		}
		if v := tu.GetVehicle(); v != nil && v.Id != nil {
			vehicleID := v.GetId()
			s.VehicleID = &vehicleID
		}
		s.StopSequence = stu.GetStopSequence()
		s.StopID = stu.GetStopId()
		s.ScheduleRelationship = stu.GetScheduleRelationship().String()
		if a := stu.GetArrival(); a != nil && a.Delay != nil {
			d := a.GetDelay()
			s.ArrivalDelay = &d
		}
		if d := stu.GetDeparture(); d != nil && d.Delay != nil {
			delay := d.GetDelay()
			s.DepartureDelay = &delay
		}
		stops = append(stops, s)
	}
	return stops
}
