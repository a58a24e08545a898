package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/domain"
)

type flaky struct {
	failures int
	calls    int
	err      error
}

func (f *flaky) Send(context.Context, Channel, string, string) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	next := &flaky{failures: 2, err: errors.New("connection reset")}
	n := Retrying{Next: next, MaxRetries: 3, InitialInterval: time.Millisecond, Timeout: time.Second}
	require.NoError(t, n.Send(context.Background(), ChannelSMS, "+10000000", "hi"))
	assert.Equal(t, 3, next.calls)
}

func TestRetryingGivesUp(t *testing.T) {
	next := &flaky{failures: 10, err: errors.New("down")}
	n := Retrying{Next: next, MaxRetries: 2, InitialInterval: time.Millisecond}
	assert.Error(t, n.Send(context.Background(), ChannelSMS, "+1", "hi"))
	assert.Equal(t, 3, next.calls)
}

func TestRetryingDoesNotRetryPermanent(t *testing.T) {
	next := &flaky{failures: 10, err: PermanentError{Err: errors.New("bad number")}}
	n := Retrying{Next: next, MaxRetries: 5, InitialInterval: time.Millisecond}
	assert.Error(t, n.Send(context.Background(), ChannelSMS, "+1", "hi"))
	assert.Equal(t, 1, next.calls)
}

func TestRetryingRequiresTarget(t *testing.T) {
	next := &flaky{}
	err := Retrying{Next: next}.Send(context.Background(), ChannelEmail, "", "hi")
	assert.ErrorAs(t, err, &domain.ValidationError{})
	assert.Zero(t, next.calls)
}

func TestRouter(t *testing.T) {
	sms, fallback := &Recorder{}, &Recorder{}
	r := Router{Channels: map[Channel]Notifier{ChannelSMS: sms}, Fallback: fallback}
	require.NoError(t, r.Send(context.Background(), ChannelSMS, "+1", "a"))
	require.NoError(t, r.Send(context.Background(), ChannelPush, "dev-1", "b"))
	assert.Equal(t, []Sent{{ChannelSMS, "+1", "a"}}, sms.Sent())
	assert.Equal(t, []Sent{{ChannelPush, "dev-1", "b"}}, fallback.Sent())

	assert.Error(t, Router{}.Send(context.Background(), ChannelEmail, "x", "y"))
}

func TestSMSNotifier(t *testing.T) {
	var got smsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.To == "+0" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := SMSNotifier{URL: srv.URL, APIKey: "k1", Sender: "CITY"}
	require.NoError(t, n.Send(context.Background(), ChannelSMS, "+15550100", "Pump 3 offline"))
	assert.Equal(t, smsRequest{To: "+15550100", From: "CITY", Message: "Pump 3 offline"}, got)

	err := n.Send(context.Background(), ChannelSMS, "+0", "x")
	assert.ErrorAs(t, err, &PermanentError{})
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "Pump offline", Subject("Pump offline\nstation 4"))
	assert.Equal(t, "cityflow notification", Subject("  "))
}

func TestPushMessageTarget(t *testing.T) {
	assert.Equal(t, "crews", PushMessage("topic:crews", "x").Topic)
	msg := PushMessage("device-token", "x")
	assert.Equal(t, "device-token", msg.Token)
	assert.Empty(t, msg.Topic)

	msg = PushMessage(TechnicianTopic("t1"), "x")
	assert.Equal(t, "technician-t1", msg.Topic)
	assert.Empty(t, msg.Token)
}
