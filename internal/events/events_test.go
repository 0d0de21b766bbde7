package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvline/internal/config"
	"approvline/internal/db"
	"approvline/internal/domain"
	"approvline/internal/metrics"
	"approvline/internal/migrate"
	"approvline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn, Dialect: db.SQLite}
}

func appendEvents(t *testing.T, r repo.Repo, types ...string) {
	t.Helper()
	w := Writer{Dialect: r.Dialect}
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	for _, typ := range types {
		_, err := w.Append(context.Background(), tx, typ, "acme", "inst-1", "", "bob", EventPayload{"n": typ})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func TestAppendRollsBackWithTx(t *testing.T) {
	r := newRepo(t)
	w := Writer{Dialect: r.Dialect}
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	evt, err := w.Append(context.Background(), tx, InstanceStarted, "acme", "inst-1", "", "bob", nil)
	require.NoError(t, err)
	assert.NotZero(t, evt.ID)
	assert.Equal(t, "{}", evt.Payload)
	require.NoError(t, tx.Rollback())

	latest, err := r.LatestEventID(context.Background())
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestRelayReplaysBacklog(t *testing.T) {
	r := newRepo(t)
	appendEvents(t, r, InstanceStarted, StepAssigned)
	rec := &Recorder{}
	m := metrics.New(prometheus.NewRegistry())
	relay := Relay{Repo: r, Sinks: []Sink{rec}, Replay: true, Metrics: m}

	assert.Equal(t, 2, relay.DispatchOnce(context.Background()))
	assert.Equal(t, []string{InstanceStarted, StepAssigned}, rec.Types())

	appendEvents(t, r, StepApproved)
	assert.Equal(t, 1, relay.DispatchOnce(context.Background()))
	assert.Zero(t, relay.DispatchOnce(context.Background()))
	assert.Equal(t, []string{InstanceStarted, StepAssigned, StepApproved}, rec.Types())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RelayDeliveries.WithLabelValues("recorder")))
}

func TestRelayNewSinkStartsAtLatest(t *testing.T) {
	r := newRepo(t)
	appendEvents(t, r, InstanceStarted)
	rec := &Recorder{}
	relay := Relay{Repo: r, Sinks: []Sink{rec}}
	assert.Zero(t, relay.DispatchOnce(context.Background()))

	appendEvents(t, r, InstanceCompleted)
	relay.DispatchOnce(context.Background())
	assert.Equal(t, []string{InstanceCompleted}, rec.Types())
}

type flakySink struct {
	mu    sync.Mutex
	fail  bool
	seen  []string
	tries int
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Publish(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tries++
	if s.fail && evt.Type == StepApproved {
		return errors.New("endpoint down")
	}
	s.seen = append(s.seen, evt.Type)
	return nil
}

func TestRelayResumesAfterFailure(t *testing.T) {
	r := newRepo(t)
	appendEvents(t, r, StepAssigned, StepApproved, InstanceCompleted)
	sink := &flakySink{fail: true}
	rec := &Recorder{}
	relay := Relay{Repo: r, Sinks: []Sink{sink, rec}, Replay: true}

	relay.DispatchOnce(context.Background())
	assert.Equal(t, []string{StepAssigned}, sink.seen)
	assert.Len(t, rec.Events(), 3, "a failing sink does not hold back the others")

	sink.fail = false
	relay.DispatchOnce(context.Background())
	assert.Equal(t, []string{StepAssigned, StepApproved, InstanceCompleted}, sink.seen)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	r := newRepo(t)
	appendEvents(t, r, InstanceStarted)
	rec := &Recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Relay{Repo: r, Sinks: []Sink{rec}, Replay: true, Interval: 10 * time.Millisecond}.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"step.*", "instance.completed"})
	assert.True(t, f.match(StepApproved))
	assert.True(t, f.match(InstanceCompleted))
	assert.False(t, f.match(InstanceStarted))
	assert.True(t, newEventFilter(nil).match(CommentAdded))
	assert.True(t, newEventFilter([]string{" "}).match(CommentAdded))
}

func TestWebhookSink(t *testing.T) {
	var mu sync.Mutex
	var got []Message
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, msg)
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL, Events: []string{"step.*"}, Secret: "s3cret"})
	ctx := context.Background()
	require.NoError(t, sink.Publish(ctx, domain.Event{ID: 7, Type: StepApproved, CompanyID: "acme", Payload: `{"decision":"approved"}`}))
	require.NoError(t, sink.Publish(ctx, domain.Event{ID: 8, Type: InstanceStarted, CompanyID: "acme"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "filtered events are not posted")
	assert.Equal(t, int64(7), got[0].ID)
	assert.JSONEq(t, `{"decision":"approved"}`, string(got[0].Payload))
	assert.Equal(t, StepApproved, headers.Get("X-Approvline-Event"))
	assert.Equal(t, "7", headers.Get("X-Approvline-Delivery"))
	assert.Equal(t, "s3cret", headers.Get("X-Approvline-Secret"))
}

func TestWebhookSinkBreakerOpens(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL})
	for i := 0; i < 8; i++ {
		assert.Error(t, sink.Publish(context.Background(), domain.Event{ID: int64(i), Type: StepApproved}))
	}
	assert.Equal(t, 5, calls, "the breaker stops calling a failing endpoint")
}

type fakePublisher struct {
	subjects []string
	bodies   [][]byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.bodies = append(p.bodies, data)
	return nil
}

func TestNATSSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NATSSink{Conn: pub, Prefix: "erp.workflow."}
	require.NoError(t, sink.Publish(context.Background(), domain.Event{ID: 3, Type: InstanceCompleted, Payload: "not json"}))
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "erp.workflow.instance.completed", pub.subjects[0])

	var msg Message
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, "not json", msg.PayloadRaw)
	assert.Equal(t, "approvline.events.step.failed", NATSSink{}.Subject(StepFailed))
	assert.Error(t, NATSSink{}.Publish(context.Background(), domain.Event{}))
}
