package logger_test

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

func TestGroup(t *testing.T) {
	t.Parallel()
	attr := logger.Group("sub", slog.String("id", "sub_1"), slog.Int("n", 2))
	require.Equal(t, "sub", attr.Key)
	require.Equal(t, slog.KindGroup, attr.Value.Kind())
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, "id", g[0].Key)
	assert.Equal(t, "n", g[1].Key)
}

func TestErrors(t *testing.T) {
	t.Parallel()
	err1 := errors.New("first")
	err2 := errors.New("second")

	attr := logger.Errors(err1, nil, err2)
	require.Equal(t, "errors", attr.Key)
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, err1, g[0].Value.Any())
	assert.Equal(t, err2, g[1].Value.Any())

	assert.True(t, logger.Errors(nil).Equal(slog.Attr{}))
}

func TestError(t *testing.T) {
	t.Parallel()
	err := errors.New("boom")
	attr := logger.Error(err)
	require.Equal(t, "error", attr.Key)
	assert.Equal(t, err, attr.Value.Any())
	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
}

func TestBillingAttrs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attr slog.Attr
		key  string
		val  any
	}{
		{logger.UserID("u1"), "user_id", "u1"},
		{logger.RequestID("r1"), "request_id", "r1"},
		{logger.Provider("stripe"), "provider", "stripe"},
		{logger.EventID("evt_1"), "event_id", "evt_1"},
		{logger.EventType("invoice.paid"), "event_type", "invoice.paid"},
		{logger.SubscriptionID("sub_1"), "subscription_id", "sub_1"},
		{logger.SessionID("cs_1"), "session_id", "cs_1"},
		{logger.Outcome("applied"), "outcome", "applied"},
		{logger.Task("billing.sync"), "task", "billing.sync"},
	}
	for _, c := range cases {
		assert.Equal(t, c.key, c.attr.Key)
		assert.Equal(t, c.val, c.attr.Value.Any())
	}

	assert.True(t, logger.UserID(nil).Equal(slog.Attr{}))
	assert.True(t, logger.PriceID(nil).Equal(slog.Attr{}))
}
