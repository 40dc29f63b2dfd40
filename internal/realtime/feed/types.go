package feed

import (
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// Stats summarizes the content of one decoded feed message
type Stats struct {
	Entities        int
	Vehicles        int
	TripUpdates     int
	StopTimeUpdates int
	Alerts          int
	Empty           int // entities carrying no known sub-structure
	HeaderTimestamp *time.Time
	Incrementality  string
}

// Describe counts the sub-structures carried by a feed message
func Describe(msg *gtfs.FeedMessage) Stats {
	var s Stats
	if msg == nil {
		return s
	}

	if h := msg.GetHeader(); h != nil {
		if h.Timestamp != nil {
			ts := time.Unix(int64(h.GetTimestamp()), 0).UTC()
			s.HeaderTimestamp = &ts
		}
		s.Incrementality = h.GetIncrementality().String()
	}

	for _, entity := range msg.GetEntity() {
		s.Entities++
		known := false
		if entity.GetVehicle() != nil {
			s.Vehicles++
			known = true
		}
		if tu := entity.GetTripUpdate(); tu != nil {
			s.TripUpdates++
			s.StopTimeUpdates += len(tu.GetStopTimeUpdate())
			known = true
		}
		if entity.GetAlert() != nil {
			s.Alerts++
			known = true
		}
		if !known {
			s.Empty++
		}
	}
	return s
}
