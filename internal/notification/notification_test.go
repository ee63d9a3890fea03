package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-automation/internal/testutil"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	channel   Channel
	recipient string
	payload   Payload
}

type stubTransport struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *stubTransport) Send(_ context.Context, channel Channel, recipient string, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sent{channel: channel, recipient: recipient, payload: payload})
	return nil
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestService(t *testing.T, transport Transport, clock *testutil.Clock) *Service {
	t.Helper()
	db := testutil.NewDB(t, &NotificationPreference{}, &NotificationLog{})
	svc := NewService(db, transport, time.Second)
	svc.Dispatcher().WithClock(clock.Now)
	return svc
}

func setPref(t *testing.T, svc *Service, in PreferenceInput) {
	t.Helper()
	_, err := svc.SetPreference(context.Background(), "CLIENT_1", in)
	require.NoError(t, err)
}

func orderExecuted(amount int64) Notice {
	return Notice{
		Event:          EventOrderExecuted,
		ClientID:       "CLIENT_1",
		AutomationType: types.AutomationAutoInvest,
		AutomationID:   "AIR_1",
		SchemeID:       "SCH_EQ",
		Amount:         decimal.NewNullDecimal(decimal.NewFromInt(amount)),
		Message:        "order placed",
	}
}

func logsFor(t *testing.T, svc *Service) []NotificationLog {
	t.Helper()
	logs, err := svc.ListLogs(context.Background(), "CLIENT_1", 0)
	require.NoError(t, err)
	return logs
}

func TestDispatch_BelowMinAmountCreatesNoRows(t *testing.T) {
	transport := &stubTransport{}
	clock := testutil.NewClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, transport, clock)
	floor := decimal.NewFromInt(1000)
	setPref(t, svc, PreferenceInput{Event: EventOrderExecuted, Channels: []Channel{ChannelEmail, ChannelPush}, MinAmount: &floor})

	n, err := svc.Dispatcher().Dispatch(context.Background(), orderExecuted(500))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, logsFor(t, svc))
	assert.Zero(t, transport.count())

	n, err = svc.Dispatcher().Dispatch(context.Background(), orderExecuted(1500))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDispatch_SchemeAllowList(t *testing.T) {
	transport := &stubTransport{}
	clock := testutil.NewClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, transport, clock)
	setPref(t, svc, PreferenceInput{Event: EventOrderExecuted, Channels: []Channel{ChannelEmail}, SchemeIDs: []string{"SCH_DEBT"}})

	n, err := svc.Dispatcher().Dispatch(context.Background(), orderExecuted(500))
	require.NoError(t, err)
	assert.Zero(t, n)

	notice := orderExecuted(500)
	notice.SchemeID = "SCH_DEBT"
	n, err = svc.Dispatcher().Dispatch(context.Background(), notice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatch_SendsEachChannelOncePerDay(t *testing.T) {
	transport := &stubTransport{}
	clock := testutil.NewClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, transport, clock)
	setPref(t, svc, PreferenceInput{Event: EventOrderExecuted, Channels: []Channel{ChannelEmail, ChannelInApp}})

	n, err := svc.Dispatcher().Dispatch(context.Background(), orderExecuted(500))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.Dispatcher().Dispatch(context.Background(), orderExecuted(500))
	require.NoError(t, err)
	assert.Zero(t, n, "same event, automation, date and channel is deduplicated")
	assert.Equal(t, 2, transport.count())

	for _, l := range logsFor(t, svc) {
		assert.Equal(t, StatusSent, l.Status)
		assert.NotNil(t, l.SentAt)
		assert.Equal(t, "Order Executed", l.Title)
	}
	assert.Equal(t, "CLIENT_1", transport.sent[0].recipient)

	clock.Advance(24 * time.Hour)
	n, err = svc.Dispatcher().Dispatch(context.Background(), orderExecuted(500))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDispatch_DisabledPreferenceIsIgnored(t *testing.T) {
	transport := &stubTransport{}
	clock := testutil.NewClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, transport, clock)
	setPref(t, svc, PreferenceInput{Event: EventOrderExecuted, Channels: []Channel{ChannelEmail}})
	require.NoError(t, svc.DisablePreference(context.Background(), "CLIENT_1", EventOrderExecuted))

	n, err := svc.Dispatcher().Dispatch(context.Background(), orderExecuted(500))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatch_TransportFailureIsRecorded(t *testing.T) {
	transport := &stubTransport{err: errors.New("gateway down")}
	clock := testutil.NewClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, transport, clock)
	setPref(t, svc, PreferenceInput{Event: EventOrderExecuted, Channels: []Channel{ChannelSMS}})

	n, err := svc.Dispatcher().Dispatch(context.Background(), orderExecuted(500))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	logs := logsFor(t, svc)
	require.Len(t, logs, 1)
	assert.Equal(t, StatusFailed, logs[0].Status)
	assert.Equal(t, "gateway down", logs[0].Error)
	assert.Nil(t, logs[0].SentAt)
}

func TestDispatch_QuietHoursDeferUntilWindowEnds(t *testing.T) {
	transport := &stubTransport{}
	clock := testutil.NewClock(time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC))
	svc := newTestService(t, transport, clock)
	setPref(t, svc, PreferenceInput{
		Event:           EventOrderExecuted,
		Channels:        []Channel{ChannelPush},
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
	})

	n, err := svc.Dispatcher().Dispatch(context.Background(), orderExecuted(500))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, transport.count())

	logs := logsFor(t, svc)
	require.Len(t, logs, 1)
	assert.Equal(t, StatusPending, logs[0].Status)
	require.NotNil(t, logs[0].DeliverAfter)
	assert.True(t, logs[0].DeliverAfter.Equal(time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)))

	clock.Set(time.Date(2026, 3, 3, 6, 59, 0, 0, time.UTC))
	attempted, err := svc.Dispatcher().Redeliver(context.Background())
	require.NoError(t, err)
	assert.Zero(t, attempted)

	clock.Set(time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC))
	attempted, err = svc.Dispatcher().Redeliver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 1, transport.count())

	logs = logsFor(t, svc)
	assert.Equal(t, StatusSent, logs[0].Status)
	assert.Equal(t, 1, logs[0].Attempts)

	attempted, err = svc.Dispatcher().Redeliver(context.Background())
	require.NoError(t, err)
	assert.Zero(t, attempted)
}

func TestDispatch_RejectsUnknownEvent(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	svc := newTestService(t, &stubTransport{}, clock)
	_, err := svc.Dispatcher().Dispatch(context.Background(), Notice{Event: "NOPE", ClientID: "CLIENT_1"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestQuietUntil(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }
	tests := []struct {
		name       string
		start, end string
		now        time.Time
		quiet      bool
		until      time.Time
	}{
		{"no window", "", "", at(23, 0), false, time.Time{}},
		{"same day inside", "12:00", "14:00", at(13, 0), true, at(14, 0)},
		{"same day end is exclusive", "12:00", "14:00", at(14, 0), false, time.Time{}},
		{"wrap before midnight", "22:00", "07:00", at(22, 0), true, at(7, 0).AddDate(0, 0, 1)},
		{"wrap after midnight", "22:00", "07:00", at(3, 15), true, at(7, 0)},
		{"wrap outside", "22:00", "07:00", at(12, 0), false, time.Time{}},
		{"empty window", "08:00", "08:00", at(8, 0), false, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			until, quiet, err := quietUntil(tt.start, tt.end, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.quiet, quiet)
			assert.True(t, tt.until.Equal(until), "got %s", until)
		})
	}

	_, _, err := quietUntil("25:00", "07:00", at(1, 0))
	assert.Error(t, err)
}

func TestSetPreference_ValidatesAndReplaces(t *testing.T) {
	svc := newTestService(t, &stubTransport{}, testutil.NewClock(time.Now()))
	ctx := context.Background()

	invalid := []PreferenceInput{
		{Event: "NOPE", Channels: []Channel{ChannelEmail}},
		{Event: EventOrderFailed},
		{Event: EventOrderFailed, Channels: []Channel{"FAX"}},
		{Event: EventOrderFailed, Channels: []Channel{ChannelEmail, ChannelEmail}},
		{Event: EventOrderFailed, Channels: []Channel{ChannelEmail}, QuietHoursStart: "22:00"},
		{Event: EventOrderFailed, Channels: []Channel{ChannelEmail}, QuietHoursStart: "22:00", QuietHoursEnd: "7am"},
	}
	for _, in := range invalid {
		_, err := svc.SetPreference(ctx, "CLIENT_1", in)
		assert.ErrorIs(t, err, types.ErrValidation, "%+v", in)
	}
	prefs, err := svc.ListPreferences(ctx, "CLIENT_1")
	require.NoError(t, err)
	assert.Empty(t, prefs)

	first, err := svc.SetPreference(ctx, "CLIENT_1", PreferenceInput{Event: EventOrderFailed, Channels: []Channel{ChannelEmail}})
	require.NoError(t, err)
	off := false
	second, err := svc.SetPreference(ctx, "CLIENT_1", PreferenceInput{Event: EventOrderFailed, Channels: []Channel{ChannelSMS}, Enabled: &off})
	require.NoError(t, err)

	assert.Equal(t, first.PreferenceID, second.PreferenceID)
	assert.False(t, second.Enabled)
	assert.Equal(t, []Channel{ChannelSMS}, []Channel(second.Channels))

	assert.ErrorIs(t, svc.DisablePreference(ctx, "CLIENT_1", EventAutomationPaused), types.ErrNotFound)
}

func TestRouter_UnknownChannelFails(t *testing.T) {
	email := &stubTransport{}
	router := NewRouter().Handle(ChannelEmail, email)

	require.NoError(t, router.Send(context.Background(), ChannelEmail, "CLIENT_1", Payload{Event: EventOrderFailed}))
	assert.Equal(t, 1, email.count())
	assert.Error(t, router.Send(context.Background(), ChannelSMS, "CLIENT_1", Payload{}))
}

func TestWebhookTransport_PostsJSON(t *testing.T) {
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := WebhookTransport{URL: srv.URL}
	err := w.Send(context.Background(), ChannelEmail, "CLIENT_1", Payload{LogID: "NTF_1", Event: EventOrderExecuted, Message: "done"})
	require.NoError(t, err)
	assert.Equal(t, ChannelEmail, got.Channel)
	assert.Equal(t, "CLIENT_1", got.Recipient)
	assert.Equal(t, "NTF_1", got.LogID)
	assert.Equal(t, "done", got.Message)
}

func TestWebhookTransport_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := WebhookTransport{URL: srv.URL}.Send(context.Background(), ChannelSMS, "CLIENT_1", Payload{})
	var herr *httpError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusBadGateway, herr.StatusCode)
}

func TestHub_SendWithoutConnectionsSucceeds(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	require.NoError(t, hub.Send(ctx, ChannelInApp, "CLIENT_1", Payload{Event: EventOrderExecuted}))
	cancel()
	<-hub.done
	require.NoError(t, hub.Send(context.Background(), ChannelInApp, "CLIENT_1", Payload{}))
}
