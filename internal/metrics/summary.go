package metrics

import (
	"context"
	"sync"

	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

// Summary accumulates run statistics from every extracted record, including
// records already flushed as batches. It satisfies collector.Tap.
type Summary struct {
	mu           sync.Mutex
	records      int
	vehicles     map[string]struct{}
	trips        map[string]struct{}
	speed        Running
	arrivalDelay Running
}

// NewSummary creates an empty summary
func NewSummary() *Summary {
	return &Summary{
		vehicles: make(map[string]struct{}),
		trips:    make(map[string]struct{}),
	}
}

// Publish folds one iteration's records into the summary
func (s *Summary) Publish(_ context.Context, records []record.Record) error {
	s.Add(records)
	return nil
}

// Add folds records into the summary
func (s *Summary) Add(records []record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		s.records++
		switch {
		case r.Vehicle != nil:
			v := r.Vehicle
			if v.VehicleID != "" {
				s.vehicles[v.VehicleID] = struct{}{}
			}
			if v.TripID != "" {
				s.trips[v.TripID] = struct{}{}
			}
			s.speed.Add(v.Speed)
		case r.StopUpdate != nil:
			u := r.StopUpdate
			if u.VehicleID != nil && *u.VehicleID != "" {
				s.vehicles[*u.VehicleID] = struct{}{}
			}
			if u.TripID != "" {
				s.trips[u.TripID] = struct{}{}
			}
			if u.ArrivalDelay != nil {
				s.arrivalDelay.Add(float64(*u.ArrivalDelay))
			}
		}
	}
}

// Stats is a point-in-time view of a Summary. Pointer fields are nil when no
// observation contributed to them.
type Stats struct {
	Records          int
	DistinctVehicles int
	DistinctTrips    int
	MeanSpeed        *float64 // km/h
	StdDevSpeed      *float64
	MeanArrivalDelay *float64 // seconds
}

// Stats returns the current statistics
func (s *Summary) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Records:          s.records,
		DistinctVehicles: len(s.vehicles),
		DistinctTrips:    len(s.trips),
	}
	if s.speed.Count() > 0 {
		mean, stddev := s.speed.Mean(), s.speed.StdDev()
		st.MeanSpeed = &mean
		st.StdDevSpeed = &stddev
	}
	if s.arrivalDelay.Count() > 0 {
		mean := s.arrivalDelay.Mean()
		st.MeanArrivalDelay = &mean
	}
	return st
}
