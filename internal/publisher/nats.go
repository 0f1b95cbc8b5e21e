package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"bus-tracker/internal/fleet"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher emits one message per vehicle on prefix.<route>.<vehicle>
// and a summary on prefix.snapshot for every applied cycle.
type NATSPublisher struct {
	nc          *nats.Conn
	pub         conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bus-tracker"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, logSubjects, m)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	return &NATSPublisher{pub: c, prefix: subjectToken(prefix), logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

type VehicleMessage struct {
	Epoch     uint64      `json:"epoch"`
	VehicleID string      `json:"vehicleId"`
	Timestamp time.Time   `json:"timestamp"`
	Followed  bool        `json:"followed,omitempty"`
	Vehicle   fleet.Entry `json:"vehicle"`
}

type SnapshotMessage struct {
	Epoch       uint64    `json:"epoch"`
	ID          uuid.UUID `json:"id"`
	GeneratedAt time.Time `json:"generatedAt"`
	Vehicles    int       `json:"vehicles"`
	Coasting    int       `json:"coasting"`
	Followed    fleet.Key `json:"followed,omitempty"`
}

// PublishSnapshot publishes every vehicle of snap in key order, then the
// summary. Individual failures are counted and joined into the result.
func (p *NATSPublisher) PublishSnapshot(ctx context.Context, snap fleet.Snapshot) error {
	keys := make([]fleet.Key, 0, len(snap.Vehicles))
	for k := range snap.Vehicles {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var errs []error
	coasting := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := snap.Vehicles[k]
		if e.Coasting {
			coasting++
		}
		routeID, vehicleID := k.Split()
		msg := VehicleMessage{
			Epoch:     snap.Epoch,
			VehicleID: vehicleID,
			Timestamp: snap.GeneratedAt,
			Followed:  k == snap.Followed,
			Vehicle:   e,
		}
		if err := p.publish(p.VehicleSubject(routeID, vehicleID), msg); err != nil {
			errs = append(errs, fmt.Errorf("vehicle %s: %w", k, err))
		}
	}

	summary := SnapshotMessage{
		Epoch:       snap.Epoch,
		ID:          snap.ID,
		GeneratedAt: snap.GeneratedAt,
		Vehicles:    len(snap.Vehicles),
		Coasting:    coasting,
		Followed:    snap.Followed,
	}
	if err := p.publish(p.prefix+".snapshot", summary); err != nil {
		errs = append(errs, fmt.Errorf("summary: %w", err))
	}
	return errors.Join(errs...)
}

func (p *NATSPublisher) VehicleSubject(routeID, vehicleID string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(routeID), subjectToken(vehicleID))
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.pub.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
