// Package feedtest builds GTFS-RT fixtures and fake feed servers for tests.
package feedtest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// Message wraps entities in a FeedMessage with a valid header
func Message(entities ...*gtfs.FeedEntity) *gtfs.FeedMessage {
	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(1700000000),
		},
		Entity: entities,
	}
}

// Vehicle builds a vehicle-position entity. speed is in the feed's native
// unit (m/s).
func Vehicle(id string, lat, lon, speed float32) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		Vehicle: &gtfs.VehiclePosition{
			Trip: &gtfs.TripDescriptor{
				TripId:               proto.String("trip-" + id),
				ScheduleRelationship: gtfs.TripDescriptor_SCHEDULED.Enum(),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(lat),
				Longitude: proto.Float32(lon),
				Speed:     proto.Float32(speed),
			},
			CurrentStatus: gtfs.VehiclePosition_IN_TRANSIT_TO.Enum(),
			Timestamp:     proto.Uint64(1700000000),
			Vehicle: &gtfs.VehicleDescriptor{
				Id:           proto.String("veh-" + id),
				Label:        proto.String("Line 1"),
				LicensePlate: proto.String("1-ABC-123"),
			},
		},
	}
}

// StopUpdate builds one stop-time update with an optional arrival delay
func StopUpdate(seq uint32, stopID string, arrivalDelay *int32) *gtfs.TripUpdate_StopTimeUpdate {
	stu := &gtfs.TripUpdate_StopTimeUpdate{
		StopSequence:         proto.Uint32(seq),
		StopId:               proto.String(stopID),
		ScheduleRelationship: gtfs.TripUpdate_StopTimeUpdate_SCHEDULED.Enum(),
	}
	if arrivalDelay != nil {
		stu.Arrival = &gtfs.TripUpdate_StopTimeEvent{Delay: arrivalDelay}
	}
	return stu
}

// TripUpdate builds a trip-update entity carrying the given stop updates
func TripUpdate(id, tripID string, stops ...*gtfs.TripUpdate_StopTimeUpdate) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		TripUpdate: &gtfs.TripUpdate{
			Trip: &gtfs.TripDescriptor{
				TripId:    proto.String(tripID),
				RouteId:   proto.String("R1"),
				StartTime: proto.String("08:15:00"),
				StartDate: proto.String("20250301"),
			},
			StopTimeUpdate: stops,
		},
	}
}

// Empty builds an entity with no vehicle or trip-update sub-structure
func Empty(id string) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{Id: proto.String(id)}
}

// Marshal encodes a FeedMessage, failing the test on error
func Marshal(t testing.TB, msg *gtfs.FeedMessage) []byte {
	t.Helper()
	data, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal feed: %v", err)
	}
	return data
}

// Response is one scripted reply of a Server
type Response struct {
	Status int
	Body   []byte
}

// Server is an httptest server that replays scripted responses in order and
// repeats the last one once the script is exhausted.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	responses []Response
	requests  int
	authSeen  []string
}

// NewServer starts a Server; it is closed when the test ends
func NewServer(t testing.TB, responses ...Response) *Server {
	t.Helper()
	s := &Server{responses: responses}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	idx := s.requests
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.requests++
	s.authSeen = append(s.authSeen, r.Header.Get("Authorization"))
	var resp Response
	if idx >= 0 {
		resp = s.responses[idx]
	}
	s.mu.Unlock()

	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// Requests returns how many requests the server has answered
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Authorization returns the Authorization headers received, in order
func (s *Server) Authorization() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authSeen...)
}
