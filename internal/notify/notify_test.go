package notify_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/notesync/internal/notify"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/json"
)

func event() notify.Event {
	return notify.Event{
		Time:     time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC),
		RunID:    "01HZX3A1J8R6S7Q2B0V9C4D5E6",
		Mode:     "incremental",
		Host:     "ingest-1",
		Stage:    "merge",
		Class:    "store",
		ExitCode: 249,
		Message:  "merge failed: database is locked",
		Details:  map[string]interface{}{"attempts": 3},
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	require.NoError(t, notify.NewLog(zap.New(core)).Notify(context.Background(), event()))

	entries := logs.FilterMessage("run failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "merge", fields["stage"])
	assert.Equal(t, int64(249), fields["exit_code"])
}

func TestWebhookPostsJSON(t *testing.T) {
	var got notify.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, notify.NewWebhook(srv.URL, srv.Client()).Notify(context.Background(), event()))
	assert.Equal(t, "01HZX3A1J8R6S7Q2B0V9C4D5E6", got.RunID)
	assert.Equal(t, 249, got.ExitCode)
}

func TestWebhookRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	err := notify.NewWebhook(srv.URL, srv.Client()).Notify(context.Background(), event())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePermission))
}

func TestKafkaPublishesEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev notify.Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Stage != "merge" {
			return errors.Newf(errors.ErrorTypeValidation, "unexpected stage %q", ev.Stage)
		}
		return nil
	})

	k := notify.NewKafkaWithProducer(producer, "notesync.failures", nil)
	require.NoError(t, k.Notify(context.Background(), event()))
	require.NoError(t, k.Close())
}

func TestKafkaDeliveryFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := notify.NewKafkaWithProducer(producer, "notesync.failures", nil)
	err := k.Notify(context.Background(), event())
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	require.NoError(t, k.Close())
}

func TestKafkaRequiresTopic(t *testing.T) {
	_, err := notify.NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, notify.Event) error {
	f.calls++
	return errors.New(errors.ErrorTypeConnection, "unreachable")
}

type counting struct{ calls int }

func (c *counting) Notify(context.Context, notify.Event) error {
	c.calls++
	return nil
}

func TestMultiTriesEverySink(t *testing.T) {
	bad, good := &failing{}, &counting{}
	err := notify.Multi{bad, good}.Notify(context.Background(), event())
	require.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, good.calls)
}

func TestBuildDefaultsToLog(t *testing.T) {
	sink, closeFn, err := notify.Build(config.NotifyConfig{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sink.Notify(context.Background(), event()))
	require.NoError(t, closeFn())
}
