package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

type fakeConn struct {
	msgs    []*nats.Msg
	flushed int
	subject string
	ch      chan *nats.Msg
	err     error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Flush() error {
	f.flushed++
	return nil
}

func (f *fakeConn) ChanSubscribe(subj string, ch chan *nats.Msg) (*nats.Subscription, error) {
	f.subject = subj
	f.ch = ch
	return nil, f.err
}

func TestSubjects(t *testing.T) {
	if LineSubject(types.DomainDB) != "ids.lines.db" || AlertSubject(types.DomainEmail) != "ids.alerts.email" {
		t.Error("unexpected subject names")
	}
}

func TestLineSink_WriteLine(t *testing.T) {
	conn := &fakeConn{}
	sink := NewLineSink(conn, types.DomainWeb, "agent-1")
	if err := sink.WriteLine("line one"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(conn.msgs) != 1 || conn.flushed != 1 {
		t.Fatalf("msgs=%d flushed=%d", len(conn.msgs), conn.flushed)
	}
	m := conn.msgs[0]
	if m.Subject != "ids.lines.web" || string(m.Data) != "line one" || m.Header.Get(HeaderAgentID) != "agent-1" {
		t.Errorf("msg = %s %q %v", m.Subject, m.Data, m.Header)
	}
}

func TestLineSink_PublishError(t *testing.T) {
	sink := NewLineSink(&fakeConn{err: errors.New("boom")}, types.DomainWeb, "a")
	if err := sink.WriteLine("x"); err == nil {
		t.Error("expected error")
	}
	if err := NewLineSink(nil, types.DomainWeb, "a").WriteLine("x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("nil conn err = %v", err)
	}
}

func TestLineTailer_Poll(t *testing.T) {
	conn := &fakeConn{}
	tailer := NewLineTailer(conn, types.DomainDB)
	if err := tailer.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if conn.subject != "ids.lines.db" {
		t.Errorf("subscribed to %q", conn.subject)
	}

	if lines, err := tailer.Poll(context.Background(), 5*time.Millisecond); err != nil || lines != nil {
		t.Errorf("empty Poll = %q, %v", lines, err)
	}

	conn.ch <- &nats.Msg{Data: []byte("SELECT 1")}
	conn.ch <- &nats.Msg{Data: []byte("SELECT 2")}
	lines, err := tailer.Poll(context.Background(), time.Second)
	if err != nil || !reflect.DeepEqual(lines, []string{"SELECT 1", "SELECT 2"}) {
		t.Errorf("Poll = %q, %v", lines, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tailer.Poll(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Poll err = %v", err)
	}
	if err := tailer.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestLineTailer_OpenWithoutConnection(t *testing.T) {
	if err := NewLineTailer(nil, types.DomainWeb).Open(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v", err)
	}
}

func TestAlertPublisher_Notify(t *testing.T) {
	conn := &fakeConn{}
	log := logrus.New()
	log.SetOutput(io.Discard)
	pub := NewAlertPublisher(conn, log)

	alert := &types.Alert{
		ID: 12, Timestamp: time.Date(2025, 11, 27, 12, 0, 0, 0, time.UTC), Domain: types.DomainDB,
		AlertType: "DB_ANOMALY", Severity: types.SeverityCritical, Detector: types.DetectorSignature,
	}
	if err := pub.Notify(context.Background(), alert); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	m := conn.msgs[0]
	if m.Subject != "ids.alerts.db" {
		t.Errorf("subject = %q", m.Subject)
	}
	if m.Header.Get(HeaderAlertID) != "12" || m.Header.Get(HeaderSeverity) != "CRITICAL" || m.Header.Get(HeaderTimestamp) != "2025-11-27T12:00:00Z" {
		t.Errorf("headers = %v", m.Header)
	}
	var decoded types.Alert
	if err := json.Unmarshal(m.Data, &decoded); err != nil || decoded.ID != 12 {
		t.Errorf("body = %s (%v)", m.Data, err)
	}
}
