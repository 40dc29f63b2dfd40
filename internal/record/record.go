// Package record defines the flat rows the sampler persists and extracts them
// from decoded GTFS-RT feed messages.
package record

import (
	"strconv"
)

// Shape names one of the two persisted row layouts
type Shape string

const (
	VehiclePositions Shape = "vehicle_positions"
	TripUpdates      Shape = "trip_updates"
	// All extracts both shapes; artifacts are then segregated per shape.
	All Shape = "all"
)

// Valid reports whether s is a known shape
func (s Shape) Valid() bool {
	switch s {
	case VehiclePositions, TripUpdates, All:
		return true
	}
	return false
}

// SpeedUnitFactor converts the feed's speed (m/s) into the unit of the
// persisted speed column (km/h). It is applied once, during extraction.
const SpeedUnitFactor = 3.6

// VehiclePosition is one valid vehicle sample
type VehiclePosition struct {
	ID                   string   `parquet:"id" json:"id"`
	TripID               string   `parquet:"trip_id" json:"trip_id"`
	ScheduleRelationship string   `parquet:"schedule_relationship" json:"schedule_relationship"`
	Latitude             float64  `parquet:"latitude" json:"latitude"`
	Longitude            float64  `parquet:"longitude" json:"longitude"`
	Bearing              *float64 `parquet:"bearing" json:"bearing,omitempty"`
	Speed                float64  `parquet:"speed" json:"speed"` // km/h
	CurrentStatus        string   `parquet:"current_status" json:"current_status"`
	Timestamp            int64    `parquet:"timestamp" json:"timestamp"` // epoch seconds
	StopID               *string  `parquet:"stop_id" json:"stop_id,omitempty"`
	VehicleID            string   `parquet:"vehicle_id" json:"vehicle_id"`
	VehicleLabel         string   `parquet:"vehicle_label" json:"vehicle_label"`
	VehicleLicensePlate  string   `parquet:"vehicle_license_plate" json:"vehicle_license_plate"`
}

// TripUpdateStop is one stop-time update with its trip's fields repeated
type TripUpdateStop struct {
	ID                   string  `parquet:"id" json:"id"`
	TripID               string  `parquet:"trip_id" json:"trip_id"`
	StartTime            string  `parquet:"start_time" json:"start_time"`
	StartDate            string  `parquet:"start_date" json:"start_date"`
	RouteID              string  `parquet:"route_id" json:"route_id"`
	Delay                *int32  `parquet:"delay" json:"delay,omitempty"`
	VehicleID            *string `parquet:"vehicle_id" json:"vehicle_id,omitempty"`
	StopSequence         uint32  `parquet:"stop_sequence" json:"stop_sequence"`
	StopID               string  `parquet:"stop_id" json:"stop_id"`
	ArrivalDelay         *int32  `parquet:"arrival_delay" json:"arrival_delay,omitempty"`
	DepartureDelay       *int32  `parquet:"departure_delay" json:"departure_delay,omitempty"`
	ScheduleRelationship string  `parquet:"schedule_relationship" json:"schedule_relationship"`
}

// Record is a tagged variant: exactly one payload is set, matching Shape.
type Record struct {
	Shape      Shape
	Vehicle    *VehiclePosition
	StopUpdate *TripUpdateStop
}

// FromVehicle wraps a vehicle payload
func FromVehicle(v VehiclePosition) Record {
	return Record{Shape: VehiclePositions, Vehicle: &v}
}

// FromStopUpdate wraps a trip-update-stop payload
func FromStopUpdate(s TripUpdateStop) Record {
	return Record{Shape: TripUpdates, StopUpdate: &s}
}

var (
	vehicleColumns = []string{
		"id", "trip_id", "schedule_relationship", "latitude", "longitude", "bearing",
		"speed", "current_status", "timestamp", "stop_id", "vehicle_id", "vehicle_label",
		"vehicle_license_plate",
	}
	stopUpdateColumns = []string{
		"id", "trip_id", "start_time", "start_date", "route_id", "delay", "vehicle_id",
		"stop_sequence", "stop_id", "arrival_delay", "departure_delay", "schedule_relationship",
	}
)

// Columns returns the column names of a shape in persisted order
func Columns(shape Shape) []string {
	switch shape {
	case VehiclePositions:
		return append([]string(nil), vehicleColumns...)
	case TripUpdates:
		return append([]string(nil), stopUpdateColumns...)
	}
	return nil
}

// Values returns the record's column values in Columns order. Unset optional
// fields are nil.
func (r Record) Values() []any {
	switch {
	case r.Vehicle != nil:
		v := r.Vehicle
		return []any{
			v.ID, v.TripID, v.ScheduleRelationship, v.Latitude, v.Longitude, derefFloat(v.Bearing),
			v.Speed, v.CurrentStatus, v.Timestamp, derefString(v.StopID), v.VehicleID, v.VehicleLabel,
			v.VehicleLicensePlate,
		}
	case r.StopUpdate != nil:
		s := r.StopUpdate
		return []any{
			s.ID, s.TripID, s.StartTime, s.StartDate, s.RouteID, derefInt(s.Delay), derefString(s.VehicleID),
			s.StopSequence, s.StopID, derefInt(s.ArrivalDelay), derefInt(s.DepartureDelay), s.ScheduleRelationship,
		}
	}
	return nil
}

// Strings formats Values for row-oriented text exports; nil becomes "".
func (r Record) Strings() []string {
	values := r.Values()
	out := make([]string, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case nil:
		case string:
			out[i] = x
		case float64:
			out[i] = strconv.FormatFloat(x, 'f', -1, 64)
		case int64:
			out[i] = strconv.FormatInt(x, 10)
		case int32:
			out[i] = strconv.FormatInt(int64(x), 10)
		case uint32:
			out[i] = strconv.FormatUint(uint64(x), 10)
		}
	}
	return out
}

// ShapeOf returns the single shape held by records. ok is false when the
// slice is empty or mixes shapes.
func ShapeOf(records []Record) (shape Shape, ok bool) {
	if len(records) == 0 {
		return "", false
	}
	shape = records[0].Shape
	for _, r := range records[1:] {
		if r.Shape != shape {
			return "", false
		}
	}
	return shape, true
}

// Partition splits records by shape, preserving order within each shape
func Partition(records []Record) map[Shape][]Record {
	out := make(map[Shape][]Record)
	for _, r := range records {
		out[r.Shape] = append(out[r.Shape], r)
	}
	return out
}

// Vehicles unwraps vehicle payloads, skipping records of other shapes
func Vehicles(records []Record) []VehiclePosition {
	out := make([]VehiclePosition, 0, len(records))
	for _, r := range records {
		if r.Vehicle != nil {
			out = append(out, *r.Vehicle)
		}
	}
	return out
}

// StopUpdates unwraps trip-update-stop payloads, skipping other shapes
func StopUpdates(records []Record) []TripUpdateStop {
	out := make([]TripUpdateStop, 0, len(records))
	for _, r := range records {
		if r.StopUpdate != nil {
			out = append(out, *r.StopUpdate)
		}
	}
	return out
}

func derefFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefInt(p *int32) any {
	if p == nil {
		return nil
	}
	return *p
}
