package feed

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"bus-tracker/internal/gtfs"
)

// DecodeVehiclePositions turns a GTFS-Realtime feed into reports. Trip
// updates in the same feed supply the ETA to the first stop still ahead.
func DecodeVehiclePositions(data []byte) ([]gtfs.VehicleReport, error) {
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("decode gtfs-rt: %w", err)
	}
	headerTS := int64(fm.GetHeader().GetTimestamp())

	etaByTrip := make(map[string]int)
	for _, e := range fm.GetEntity() {
		tu := e.GetTripUpdate()
		if tu == nil || tu.GetTrip().GetTripId() == "" {
			continue
		}
		ref := headerTS
		if ts := int64(tu.GetTimestamp()); ts > 0 {
			ref = ts
		}
		for _, stu := range tu.GetStopTimeUpdate() {
			at := stu.GetArrival().GetTime()
			if at == 0 {
				at = stu.GetDeparture().GetTime()
			}
			if at == 0 || at < ref {
				continue
			}
			etaByTrip[tu.GetTrip().GetTripId()] = int((at - ref) / 60)
			break
		}
	}

	var out []gtfs.VehicleReport
	for _, e := range fm.GetEntity() {
		vp := e.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}
		routeID := vp.GetTrip().GetRouteId()
		id := vp.GetVehicle().GetId()
		if id == "" {
			id = vp.GetTrip().GetTripId()
		}
		if routeID == "" || id == "" {
			continue
		}
		r := gtfs.VehicleReport{
			VehicleID: id,
			RouteID:   routeID,
			RouteNo:   vp.GetVehicle().GetLabel(),
			Lat:       float64(vp.GetPosition().GetLatitude()),
			Lon:       float64(vp.GetPosition().GetLongitude()),
		}
		ts := int64(vp.GetTimestamp())
		if ts == 0 {
			ts = headerTS
		}
		if ts > 0 {
			r.Timestamp = time.Unix(ts, 0).UTC()
		}
		if eta, ok := etaByTrip[vp.GetTrip().GetTripId()]; ok {
			r.ReportedETAMinutes = gtfs.IntPtr(eta)
		}
		out = append(out, r)
	}
	return out, nil
}

// RealtimeSource polls a GTFS-Realtime vehicle positions URL into Latest.
type RealtimeSource struct {
	url      string
	interval time.Duration
	client   *http.Client
	latest   *Latest
	metrics  Metrics
}

func NewRealtimeSource(url string, interval time.Duration, latest *Latest, m Metrics) *RealtimeSource {
	return &RealtimeSource{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		latest:   latest,
		metrics:  m,
	}
}

// Poll fetches the feed once and stores its reports.
func (s *RealtimeSource) Poll(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", s.url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d from %s", resp.StatusCode, s.url)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	reports, err := DecodeVehiclePositions(b)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range reports {
		if s.latest.Put(r) {
			n++
		}
	}
	if s.metrics != nil {
		s.metrics.FeedReceived("gtfsrt", n)
	}
	return n, nil
}

// Run polls until ctx is cancelled.
func (s *RealtimeSource) Run(ctx context.Context) {
	if _, err := s.Poll(ctx); err != nil {
		log.Printf("gtfs-rt poll error: %v", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil {
				log.Printf("gtfs-rt poll error: %v", err)
			}
		}
	}
}
