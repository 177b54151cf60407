package binder_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/binder"
	"github.com/dmitrymomot/billingsync/handler"
)

type request struct {
	PriceID   uuid.UUID `path:"priceID"`
	SessionID string    `query:"session_id"`
	DaysLeft  int       `query:"days_left"`
	Immediate bool      `form:"immediate"`
	Ignored   string    `query:"-"`
}

func TestQueryAndPath(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	r := httptest.NewRequest(http.MethodGet, "/?session_id=cs_1&days_left=3&-=x", nil)

	var req request
	require.NoError(t, binder.Query()(r, &req))
	require.NoError(t, binder.Path(func(*http.Request, string) string { return id.String() })(r, &req))
	assert.Equal(t, "cs_1", req.SessionID)
	assert.Equal(t, 3, req.DaysLeft)
	assert.Equal(t, id, req.PriceID)
	assert.Empty(t, req.Ignored)
}

func TestInvalidValues(t *testing.T) {
	t.Parallel()
	var req request
	err := binder.Path(func(*http.Request, string) string { return "nope" })(httptest.NewRequest(http.MethodGet, "/", nil), &req)
	assert.ErrorIs(t, err, binder.ErrInvalidValue)

	err = binder.Query()(httptest.NewRequest(http.MethodGet, "/?days_left=many", nil), &req)
	assert.ErrorIs(t, err, binder.ErrInvalidValue)

	assert.ErrorIs(t, binder.Query()(httptest.NewRequest(http.MethodGet, "/", nil), req), binder.ErrInvalidTarget)
}

func TestForm(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("immediate=true"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	var req request
	require.NoError(t, binder.Form()(r, &req))
	assert.True(t, req.Immediate)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "application/json")
	assert.ErrorIs(t, binder.Form()(r, &req), handler.ErrNotApplicable)
}
