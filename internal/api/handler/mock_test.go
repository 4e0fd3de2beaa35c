package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"github.com/edvin/cronmaster/internal/api/middleware"
	"github.com/edvin/cronmaster/internal/dispatcher"
	"github.com/edvin/cronmaster/internal/model"
)

// handlerMockDB implements core.DB for handler tests.
type handlerMockDB struct {
	mock.Mock
}

func (m *handlerMockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *handlerMockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *handlerMockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// mockRow implements pgx.Row.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

// fakeControl records control-surface calls.
type fakeControl struct {
	added     []int64
	removed   []int64
	triggered []int64
	trigErr   error
}

func (c *fakeControl) AddJob(ctx context.Context, id int64) error {
	c.added = append(c.added, id)
	return nil
}

func (c *fakeControl) RemoveJob(id int64) {
	c.removed = append(c.removed, id)
}

func (c *fakeControl) Trigger(ctx context.Context, userID, id int64) error {
	if c.trigErr != nil {
		return c.trigErr
	}
	c.triggered = append(c.triggered, id)
	return nil
}

func (c *fakeControl) Stats() dispatcher.Stats {
	return dispatcher.Stats{ArmedJobs: len(c.added)}
}

// newRequest builds a request with an authenticated user and chi route
// parameters, the way the router would hand it to a handler.
func newRequest(method, target string, body io.Reader, user *model.User, params map[string]string) *http.Request {
	r := httptest.NewRequest(method, target, body)

	ctx := middleware.WithUser(r.Context(), user)
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return r.WithContext(ctx)
}
