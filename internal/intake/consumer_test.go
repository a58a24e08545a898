package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/domain"
	"cityflow/internal/engine"
)

type ack struct {
	acked, nacked, requeue bool
}

func (a *ack) Ack(uint64, bool) error {
	a.acked = true
	return nil
}

func (a *ack) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

func (a *ack) Reject(uint64, bool) error { return nil }

type published struct {
	queue string
	msg   amqp.Publishing
}

type fakePub struct {
	out []published
}

func (f *fakePub) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	f.out = append(f.out, published{queue: key, msg: msg})
	return nil
}

type handler struct {
	err    error
	seen   []domain.Event
	actors []string
}

func (h *handler) HandleEvent(_ context.Context, ev domain.Event, actorID string) (engine.FiringReport, error) {
	h.seen = append(h.seen, ev)
	h.actors = append(h.actors, actorID)
	return engine.FiringReport{EventID: ev.ID}, h.err
}

func newConsumer(h EventHandler) (*Consumer, *fakePub) {
	pub := &fakePub{}
	return &Consumer{
		pub:        pub,
		Handler:    h,
		Queue:      "events",
		DeadLetter: "events.dead",
		MaxRetries: 3,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, pub
}

func delivery(body string, retries int32) (amqp.Delivery, *ack) {
	a := &ack{}
	d := amqp.Delivery{Acknowledger: a, Body: []byte(body)}
	if retries > 0 {
		d.Headers = amqp.Table{retryHeader: retries}
	}
	return d, a
}

func TestProcessHandlesEvent(t *testing.T) {
	h := &handler{}
	c, pub := newConsumer(h)
	d, a := delivery(`{"kind":"alert","category":"traffic","severity":"high"}`, 0)
	c.process(context.Background(), d)

	assert.True(t, a.acked)
	assert.Empty(t, pub.out)
	require.Len(t, h.seen, 1)
	assert.Equal(t, "traffic", h.seen[0].Category)
	assert.Equal(t, []string{"intake"}, h.actors)
}

func TestProcessRequeuesWithRetryCount(t *testing.T) {
	c, pub := newConsumer(&handler{err: errors.New("store busy")})
	d, a := delivery(`{"category":"traffic"}`, 1)
	c.process(context.Background(), d)

	assert.True(t, a.acked)
	require.Len(t, pub.out, 1)
	assert.Equal(t, "events", pub.out[0].queue)
	assert.Equal(t, int32(2), pub.out[0].msg.Headers[retryHeader])
}

func TestProcessDeadLettersAfterMaxRetries(t *testing.T) {
	c, pub := newConsumer(&handler{err: errors.New("store busy")})
	d, _ := delivery(`{"category":"traffic"}`, 3)
	c.process(context.Background(), d)

	require.Len(t, pub.out, 1)
	assert.Equal(t, "events.dead", pub.out[0].queue)
	assert.Equal(t, "store busy", pub.out[0].msg.Headers["x-error"])
}

func TestRepublishCarriesProducerInHeader(t *testing.T) {
	c, pub := newConsumer(&handler{err: errors.New("store busy")})
	d, _ := delivery(`{"category":"traffic"}`, 1)
	d.UserId = "sensor-gw"
	c.process(context.Background(), d)

	require.Len(t, pub.out, 1)
	assert.Empty(t, pub.out[0].msg.UserId)
	assert.Equal(t, "sensor-gw", pub.out[0].msg.Headers[originalUserHeader])

	h := &handler{}
	c, _ = newConsumer(h)
	redelivered := amqp.Delivery{Acknowledger: &ack{}, Body: pub.out[0].msg.Body, Headers: pub.out[0].msg.Headers, UserId: "cityflow"}
	c.process(context.Background(), redelivered)
	assert.Equal(t, []string{"sensor-gw"}, h.actors)
}

func TestDeadLetterDropsUserID(t *testing.T) {
	c, pub := newConsumer(&handler{err: errors.New("store busy")})
	d, _ := delivery(`{"category":"traffic"}`, 3)
	d.UserId = "sensor-gw"
	c.process(context.Background(), d)

	require.Len(t, pub.out, 1)
	assert.Equal(t, "events.dead", pub.out[0].queue)
	assert.Empty(t, pub.out[0].msg.UserId)
}

func TestProcessDeadLettersMalformed(t *testing.T) {
	h := &handler{}
	c, pub := newConsumer(h)
	d, _ := delivery(`{"kind":"alert"}`, 0)
	c.process(context.Background(), d)

	assert.Empty(t, h.seen)
	require.Len(t, pub.out, 1)
	assert.Equal(t, "events.dead", pub.out[0].queue)
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"kind":"metric","category":"air","metric":"pm25","metric_value":91.5,"timestamp":"2024-01-01T08:00:00Z"}`))
	require.NoError(t, err)
	require.NotNil(t, ev.MetricValue)
	assert.Equal(t, 91.5, *ev.MetricValue)
	assert.Equal(t, 8, ev.Timestamp.Hour())

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, RetryCount(nil))
	assert.Equal(t, 2, RetryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 4, RetryCount(amqp.Table{retryHeader: int64(4)}))
}
