package feed

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"bus-tracker/internal/gtfs"
)

// PositionMessage is the JSON body of an upstream vehicle report. It accepts
// the simulator's position messages, where the trip id stands in for the
// vehicle id.
type PositionMessage struct {
	VehicleID    string    `json:"vehicleId"`
	TripID       string    `json:"tripId"`
	RouteID      string    `json:"routeId"`
	RouteNo      string    `json:"routeNo"`
	Timestamp    time.Time `json:"timestamp"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	ETAMinutes   *int      `json:"etaMinutes"`
	NextStopName *string   `json:"nextStopName"`
}

func decodePosition(data []byte) (gtfs.VehicleReport, error) {
	var m PositionMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return gtfs.VehicleReport{}, err
	}
	id := m.VehicleID
	if id == "" {
		id = m.TripID
	}
	if id == "" || m.RouteID == "" {
		return gtfs.VehicleReport{}, fmt.Errorf("missing vehicle or route id")
	}
	if m.Lat < -90 || m.Lat > 90 || m.Lon < -180 || m.Lon > 180 || (m.Lat == 0 && m.Lon == 0) {
		return gtfs.VehicleReport{}, fmt.Errorf("vehicle %s: invalid position %.6f,%.6f", id, m.Lat, m.Lon)
	}
	return gtfs.VehicleReport{
		VehicleID:            id,
		RouteID:              m.RouteID,
		RouteNo:              m.RouteNo,
		Lat:                  m.Lat,
		Lon:                  m.Lon,
		ReportedETAMinutes:   m.ETAMinutes,
		ReportedNextStopName: m.NextStopName,
		Timestamp:            m.Timestamp,
	}, nil
}

// Subscriber feeds Latest from a NATS subject.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	latest  *Latest
	metrics Metrics
}

func NewSubscriber(url, subject string, latest *Latest, m Metrics) (*Subscriber, error) {
	nc, err := nats.Connect(url,
		nats.Name("bus-tracker-feed"),
		nats.DisconnectHandler(func(_ *nats.Conn) { log.Printf("feed nats disconnected") }),
		nats.ReconnectHandler(func(_ *nats.Conn) { log.Printf("feed nats reconnected") }),
	)
	if err != nil {
		return nil, err
	}
	s := &Subscriber{nc: nc, latest: latest, metrics: m}
	s.sub, err = nc.Subscribe(subject, s.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	log.Printf("feed subscribed to %s", subject)
	return s, nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	r, err := decodePosition(msg.Data)
	if err != nil {
		log.Printf("feed drop subject=%s: %v", msg.Subject, err)
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if s.latest.Put(r) && s.metrics != nil {
		s.metrics.FeedReceived("nats", 1)
	}
}

func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Drain()
		s.nc.Close()
	}
}
