// Package publisher forwards extracted records to NATS as they are collected.
package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

// conn is the part of *nats.Conn the publisher uses
type conn interface {
	Publish(subject string, data []byte) error
	Flush() error
}

// NATSPublisher publishes one JSON message per record on <prefix>.<shape>
type NATSPublisher struct {
	nc     conn
	close  func()
	prefix string
	log    *zap.SugaredLogger
}

// Message is the payload published for one record
type Message struct {
	Shape       record.Shape           `json:"shape"`
	CollectedAt time.Time              `json:"collectedAt"`
	Vehicle     *record.VehiclePosition `json:"vehicle,omitempty"`
	StopUpdate  *record.TripUpdateStop  `json:"stopUpdate,omitempty"`
}

// NewNATSPublisher connects to url. Connection state changes are logged.
func NewNATSPublisher(url, prefix string, log *zap.SugaredLogger) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	nc, err := nats.Connect(url,
		nats.Name("rtsampler"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnf("NATS: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("NATS: reconnected to %s", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("NATS: connection closed")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", url)
	}

	p := newPublisher(nc, prefix, log)
	p.close = func() {
		_ = nc.Drain()
		nc.Close()
	}
	return p, nil
}

func newPublisher(nc conn, prefix string, log *zap.SugaredLogger) *NATSPublisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "rtsampler"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log}
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}

// Subject returns the subject records of shape are published on
func (p *NATSPublisher) Subject(shape record.Shape) string {
	return p.prefix + "." + subjectToken(string(shape))
}

// Publish sends every record and flushes once. The first failure aborts the
// remaining records of this call.
func (p *NATSPublisher) Publish(ctx context.Context, records []record.Record) error {
	now := time.Now().UTC()
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := json.Marshal(Message{
			Shape:       r.Shape,
			CollectedAt: now,
			Vehicle:     r.Vehicle,
			StopUpdate:  r.StopUpdate,
		})
		if err != nil {
			return errors.Wrap(err, "failed to encode record")
		}
		if err := p.nc.Publish(p.Subject(r.Shape), b); err != nil {
			return errors.Wrapf(err, "failed to publish record %d of %d", i+1, len(records))
		}
	}
	if err := p.nc.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush")
	}
	p.log.Debugf("NATS: published %d records", len(records))
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// a NATS token cannot contain spaces, '>', '*' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
