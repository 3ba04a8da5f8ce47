package market_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/olserra/haggle/agent"
	"github.com/olserra/haggle/config"
	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/market"
	"github.com/olserra/haggle/negotiation"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newMarket(t *testing.T) (*market.Market, context.CancelFunc) {
	t.Helper()
	m := market.New(agent.WithBuyerConfig(agent.BuyerConfig{
		DiscoveryInterval:   50 * time.Millisecond,
		DiscoveryAttempts:   3,
		DiscoveryRetryDelay: 5 * time.Millisecond,
		QuotePollInterval:   100 * time.Millisecond,
		QuoteWindow:         time.Second,
	}))
	for _, s := range config.Default().Sellers {
		_, err := m.AddSeller(s.Name, s.Items)
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	require.Eventually(t, func() bool {
		return len(m.Directory().Search(core.ServiceType)) == 2
	}, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, m.Wait())
	})
	return m, cancel
}

func TestPlaceOrderBeforeStart(t *testing.T) {
	m := market.New()
	_, err := m.PlaceOrder(context.Background(), negotiation.Request{Title: "Iracema", Quantity: 1, MaxPrice: d("50")})
	require.ErrorIs(t, err, market.ErrNotStarted)
}

func TestPlaceOrderInvalidRequest(t *testing.T) {
	m, _ := newMarket(t)
	_, err := m.PlaceOrder(context.Background(), negotiation.Request{Title: "Iracema", Quantity: 0, MaxPrice: d("50")})
	require.Error(t, err)
}

func TestPlaceOrder(t *testing.T) {
	m, _ := newMarket(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o, err := m.PlaceOrder(ctx, negotiation.Request{Title: "Dom Casmurro", Quantity: 1, MaxPrice: d("60")})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(o.Buyer, "buyer-"), o.Buyer)

	res, err := o.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, o.Buyer, res.Buyer)
	require.Equal(t, negotiation.Sold, res.Outcome)
	require.Equal(t, "Vendedor1", res.Seller)
	require.True(t, res.Price.Equal(d("40")), "price %s", res.Price)

	it, _, err := m.Sellers()[0].Stock(ctx, "Dom Casmurro")
	require.NoError(t, err)
	require.Equal(t, 2, it.Quantity)
}

func TestConcurrentOrdersDrainStock(t *testing.T) {
	m, _ := newMarket(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req := negotiation.Request{Title: "Memórias Póstumas de Brás Cubas", Quantity: 1, MaxPrice: d("70")}
	var orders []*market.Order
	for i := 0; i < 2; i++ {
		o, err := m.PlaceOrder(ctx, req)
		require.NoError(t, err)
		orders = append(orders, o)
	}
	require.NotEqual(t, orders[0].Buyer, orders[1].Buyer)

	for _, o := range orders {
		res, err := o.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, negotiation.Sold, res.Outcome)
		require.True(t, res.Price.GreaterThanOrEqual(d("55")), "sold below floor: %s", res.Price)
		require.True(t, res.Price.LessThanOrEqual(d("70")), "sold above maximum: %s", res.Price)
	}

	it, _, err := m.Sellers()[0].Stock(ctx, req.Title)
	require.NoError(t, err)
	require.Zero(t, it.Quantity)
}

func TestOrderStopsWithMarket(t *testing.T) {
	m, stop := newMarket(t)
	o, err := m.PlaceOrder(context.Background(), negotiation.Request{Title: "Iracema", Quantity: 10, MaxPrice: d("50")})
	require.NoError(t, err)

	stop()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("order kept running after the market stopped")
	}
	res, err := o.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.NotEqual(t, negotiation.Sold, res.Outcome)
}
