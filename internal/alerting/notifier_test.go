package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	note := Notification{Severity: SeverityCritical, Title: "engine halted", Body: "3 consecutive failures", Category: "engine"}

	require.NoError(t, notifier.Notify(context.Background(), note))
	assert.Equal(t, "chat", received["chat_id"])
	assert.True(t, strings.HasPrefix(received["text"], "[CRITICAL] engine halted"))
	assert.Contains(t, received["text"], "3 consecutive failures")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL}, testLogger())
	assert.Error(t, notifier.Notify(context.Background(), Notification{Severity: SeverityError, Title: "x"}))
}

func TestTelegramNotifierFilters(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{
		BotToken: "token", ChatID: "chat", BaseURL: srv.URL,
		MinSeverity: SeverityWarning, Categories: []string{"Risk"},
	}, testLogger())

	ctx := context.Background()
	require.NoError(t, notifier.Notify(ctx, Notification{Severity: SeverityInfo, Category: "risk"}))
	require.NoError(t, notifier.Notify(ctx, Notification{Severity: SeverityWarning, Category: "portfolio"}))
	require.NoError(t, notifier.Notify(ctx, Notification{Severity: SeverityWarning, Category: "risk"}))
	assert.EqualValues(t, 1, calls.Load())
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityWarning))
	assert.True(t, SeverityWarning.AtLeast(SeverityWarning))
	assert.False(t, SeverityInfo.AtLeast(SeverityWarning))
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)

	_, err = ParseSeverity("loud")
	assert.Error(t, err)
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	cmd.SetVal(2)
	return cmd
}

func TestRedisNotifierPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := newRedisNotifier(pub, "", testLogger())

	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, n.Notify(context.Background(), Notification{Severity: SeverityWarning, Title: "risk", Category: "risk", Time: when}))
	assert.Equal(t, "autopilot.notifications", pub.channel)

	var got Notification
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, SeverityWarning, got.Severity)
	assert.True(t, got.Time.Equal(when))

	pub.err = errors.New("connection refused")
	assert.ErrorContains(t, n.Notify(context.Background(), Notification{Severity: SeverityInfo}), "connection refused")
	assert.NoError(t, n.Close())
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	block chan struct{}
	err   error
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return r.err
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Title
	}
	return out
}

func TestDispatcherDeliversInOrderToEveryNotifier(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("down")}
	d := NewDispatcher(8, nil, testLogger(), a, b)

	d.Info("one", "", "portfolio")
	d.Warning("two", "", "risk")
	d.Critical("three", "", "engine")
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []string{"one", "two", "three"}, a.titles())
	assert.Equal(t, []string{"one", "two", "three"}, b.titles())
	assert.Equal(t, SeverityCritical, a.notes[2].Severity)
	assert.False(t, a.notes[0].Time.IsZero())
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	slow := &recordingNotifier{block: make(chan struct{})}
	d := NewDispatcher(1, nil, testLogger(), slow)

	d.Info("first", "", "")
	// The loop holds "first" inside Notify; wait until the queue slot is free again.
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	d.Info("second", "", "")
	d.Info("third", "", "")

	close(slow.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"first", "second"}, slow.titles())

	d.Error("late", "", "")
	assert.Len(t, slow.titles(), 2)
}

type closingNotifier struct {
	recordingNotifier
	closed bool
}

func (c *closingNotifier) Close() error {
	c.closed = true
	return nil
}

func TestDispatcherClosesNotifiersAfterDrain(t *testing.T) {
	n := &closingNotifier{}
	d := NewDispatcher(4, nil, testLogger(), n)
	d.Warning("drained", "", "")
	require.NoError(t, d.Close(context.Background()))

	assert.True(t, n.closed)
	assert.Equal(t, []string{"drained"}, n.titles())
}
