// Package handoff carries canonical log lines and alerts over NATS, as the
// message passing alternative to the shared canonical files.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

// Header keys set on published messages.
const (
	HeaderAgentID   = "x-agent-id"
	HeaderDomain    = "x-domain"
	HeaderAlertID   = "x-alert-id"
	HeaderSeverity  = "x-severity"
	HeaderDetector  = "x-detector"
	HeaderTimestamp = "x-timestamp"
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("NATS connection not available")

// LineSubject is the subject carrying canonical lines of a domain.
func LineSubject(domain types.Domain) string { return "ids.lines." + string(domain) }

// AlertSubject is the subject carrying alerts of a domain.
func AlertSubject(domain types.Domain) string { return "ids.alerts." + string(domain) }

// Connect dials NATS with reconnect handling logged through log.
func Connect(url, name string, log *logrus.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	Flush() error
}

// LineSink publishes each canonical line as one message.
type LineSink struct {
	pub     Publisher
	subject string
	agentID string
	domain  types.Domain
}

// NewLineSink publishes lines of domain on LineSubject(domain).
func NewLineSink(pub Publisher, domain types.Domain, agentID string) *LineSink {
	return &LineSink{pub: pub, subject: LineSubject(domain), agentID: agentID, domain: domain}
}

// WriteLine publishes one line.
func (s *LineSink) WriteLine(line string) error {
	if s.pub == nil {
		return ErrNotConnected
	}
	msg := &nats.Msg{Subject: s.subject, Data: []byte(line), Header: nats.Header{}}
	msg.Header.Set(HeaderAgentID, s.agentID)
	msg.Header.Set(HeaderDomain, string(s.domain))
	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish line: %w", err)
	}
	return nil
}

// Close flushes buffered messages. The connection stays open.
func (s *LineSink) Close() error {
	if s.pub == nil {
		return nil
	}
	return s.pub.Flush()
}

// Subscriber is the subset of *nats.Conn used by LineTailer.
type Subscriber interface {
	ChanSubscribe(subj string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// LineTailer receives lines published after Open. It satisfies the
// tail.Tailer contract.
type LineTailer struct {
	sub     Subscriber
	subject string
	ch      chan *nats.Msg
	s       *nats.Subscription
}

// NewLineTailer subscribes to LineSubject(domain) on Open.
func NewLineTailer(sub Subscriber, domain types.Domain) *LineTailer {
	return &LineTailer{sub: sub, subject: LineSubject(domain), ch: make(chan *nats.Msg, 4096)}
}

// Open starts the subscription.
func (t *LineTailer) Open(context.Context) error {
	if t.sub == nil {
		return ErrNotConnected
	}
	s, err := t.sub.ChanSubscribe(t.subject, t.ch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.subject, err)
	}
	t.s = s
	return nil
}

// Poll waits up to timeout for the first line, then drains what is queued.
func (t *LineTailer) Poll(ctx context.Context, timeout time.Duration) ([]string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var lines []string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case m := <-t.ch:
		lines = append(lines, string(m.Data))
	}
	for {
		select {
		case m := <-t.ch:
			lines = append(lines, string(m.Data))
		default:
			return lines, nil
		}
	}
}

// Close ends the subscription.
func (t *LineTailer) Close() error {
	if t.s == nil {
		return nil
	}
	err := t.s.Unsubscribe()
	t.s = nil
	return err
}

// AlertPublisher publishes stored alerts on AlertSubject(domain) with
// identifying headers.
type AlertPublisher struct {
	pub Publisher
	log *logrus.Logger
}

// NewAlertPublisher creates a publisher.
func NewAlertPublisher(pub Publisher, log *logrus.Logger) *AlertPublisher {
	return &AlertPublisher{pub: pub, log: log}
}

// Notify publishes one alert.
func (p *AlertPublisher) Notify(_ context.Context, alert *types.Alert) error {
	if p.pub == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	headers := nats.Header{}
	headers.Set(HeaderAlertID, strconv.FormatInt(alert.ID, 10))
	headers.Set(HeaderDomain, string(alert.Domain))
	headers.Set(HeaderSeverity, string(alert.Severity))
	headers.Set(HeaderDetector, alert.Detector)
	headers.Set(HeaderTimestamp, alert.Timestamp.UTC().Format(time.RFC3339Nano))

	subject := AlertSubject(alert.Domain)
	if err := p.pub.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: headers}); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	p.log.WithFields(logrus.Fields{"alert_id": alert.ID, "subject": subject}).Debug("Published alert")
	return nil
}
