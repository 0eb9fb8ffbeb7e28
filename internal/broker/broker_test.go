package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/marketdata"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	apperrors "github.com/mirinaemaru/cautostock-sub000/pkg/errors"
	apphttp "github.com/mirinaemaru/cautostock-sub000/pkg/http"
	"github.com/mirinaemaru/cautostock-sub000/pkg/logging"
)

func TestStub_PlaceOrderAcks(t *testing.T) {
	s := NewStub(logging.NewNop())
	defer s.Close()

	ack, err := s.PlaceOrder(context.Background(), &core.Order{ID: core.NewID(), Symbol: "005930"})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.BrokerOrderNo)

	ack2, err := s.PlaceOrder(context.Background(), &core.Order{ID: core.NewID(), Symbol: "005930"})
	require.NoError(t, err)
	assert.NotEqual(t, ack.BrokerOrderNo, ack2.BrokerOrderNo)
}

func TestStub_TickFanout(t *testing.T) {
	s := NewStub(logging.NewNop())
	defer s.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var got []core.Tick
	id, err := s.SubscribeTicks(ctx, []string{"005930"}, func(tk core.Tick) {
		mu.Lock()
		got = append(got, tk)
		mu.Unlock()
	})
	require.NoError(t, err)

	s.EmitTick(core.Tick{Symbol: "005930", Price: decimal.NewFromInt(100), Timestamp: time.Now()})
	s.EmitTick(core.Tick{Symbol: "000660", Price: decimal.NewFromInt(50), Timestamp: time.Now()})

	mu.Lock()
	assert.Len(t, got, 1, "only subscribed symbols are delivered")
	mu.Unlock()

	require.NoError(t, s.Unsubscribe(id))
	s.EmitTick(core.Tick{Symbol: "005930", Price: decimal.NewFromInt(101), Timestamp: time.Now()})
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestPaper_FillsAtLastTick(t *testing.T) {
	ticks := marketdata.NewTickCache()
	ticks.Put(core.Tick{Symbol: "005930", Price: decimal.NewFromInt(70_000), Timestamp: time.Now()})

	p := NewPaper(ticks, 0, logging.NewNop())
	ctx := context.Background()

	fills := make(chan core.Fill, 1)
	_, err := p.SubscribeFills(ctx, "ACC1", func(f core.Fill) { fills <- f })
	require.NoError(t, err)

	order := &core.Order{
		ID: core.NewID(), AccountID: "ACC1", Symbol: "005930",
		Side: core.SideBuy, Type: core.OrderMarket, Qty: 10,
	}
	ack, err := p.PlaceOrder(ctx, order)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.BrokerOrderNo)

	select {
	case f := <-fills:
		assert.Equal(t, order.ID, f.OrderID)
		assert.Equal(t, int64(10), f.Qty)
		assert.Equal(t, "70000", f.Price.String())
		assert.NotEmpty(t, f.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("fill never arrived")
	}
	require.NoError(t, p.Close())
}

func TestPaper_RejectsUnquotableMarketOrder(t *testing.T) {
	p := NewPaper(marketdata.NewTickCache(), 0, logging.NewNop())

	_, err := p.PlaceOrder(context.Background(), &core.Order{
		ID: core.NewID(), Symbol: "005930", Side: core.SideBuy, Type: core.OrderMarket, Qty: 1,
	})
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
}

func newTokenManager(t *testing.T, fetch TokenFetcher, lead time.Duration) (*TokenManager, *storage.Store) {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewTokenManager(store, fetch, lead, logging.NewNop()), store
}

func TestTokenManager_FetchesAndCaches(t *testing.T) {
	calls := 0
	tm, _ := newTokenManager(t, func(ctx context.Context) (string, time.Time, error) {
		calls++
		return "tok-1", time.Now().Add(time.Hour), nil
	}, 5*time.Minute)

	tok, err := tm.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// second call served from cache
	_, err = tm.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestTokenManager_RefreshesInsideLeadWindow(t *testing.T) {
	calls := 0
	tm, _ := newTokenManager(t, func(ctx context.Context) (string, time.Time, error) {
		calls++
		// expires only 1 minute out, inside the 5 minute lead
		return "tok", time.Now().Add(time.Minute), nil
	}, 5*time.Minute)

	_, err := tm.Token(context.Background())
	require.NoError(t, err)
	_, err = tm.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "token inside the lead window must refresh")
}

func TestTokenManager_FallsBackToUnexpiredCache(t *testing.T) {
	calls := 0
	tm, _ := newTokenManager(t, func(ctx context.Context) (string, time.Time, error) {
		calls++
		if calls == 1 {
			return "tok", time.Now().Add(2 * time.Minute), nil
		}
		return "", time.Time{}, errors.New("brokerage is down")
	}, 5*time.Minute)

	tok, err := tm.Token(context.Background())
	require.NoError(t, err)

	// refresh fails but the cached token has not expired yet
	tok2, err := tm.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok, tok2)
}

func TestTokenManager_SurvivesRestartViaPersistence(t *testing.T) {
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	expiry := time.Now().Add(time.Hour)
	first := NewTokenManager(store, func(ctx context.Context) (string, time.Time, error) {
		return "persisted-tok", expiry, nil
	}, 5*time.Minute, logging.NewNop())
	_, err = first.Token(context.Background())
	require.NoError(t, err)

	// a fresh manager on the same store must not hit the fetcher
	second := NewTokenManager(store, func(ctx context.Context) (string, time.Time, error) {
		t.Fatal("fetcher called despite valid persisted token")
		return "", time.Time{}, nil
	}, 5*time.Minute, logging.NewNop())
	tok, err := second.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted-tok", tok)
}

func TestClassify_MapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{401, apperrors.ErrAuthenticationFailed},
		{403, apperrors.ErrAuthenticationFailed},
		{404, apperrors.ErrOrderNotFound},
		{429, apperrors.ErrRateLimitExceeded},
		{500, apperrors.ErrServerError},
		{400, apperrors.ErrInvalidRequest},
	}
	for _, tc := range cases {
		err := classify(&apphttp.APIError{StatusCode: tc.status})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}

	assert.ErrorIs(t, classify(errors.New("dial tcp: refused")), apperrors.ErrNetwork)
}
