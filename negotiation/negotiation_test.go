package negotiation_test

import (
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/inventory"
	"github.com/olserra/haggle/negotiation"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSeller(t require.TestingT, id string, items []inventory.Item, opts ...negotiation.Option) *negotiation.Seller {
	store, err := inventory.New(items...)
	require.NoError(t, err)
	s, err := negotiation.NewSeller(id, store, opts...)
	require.NoError(t, err)
	return s
}

func newBuyer(t require.TestingT, id, title string, qty int, max string, opts ...negotiation.Option) *negotiation.Buyer {
	b, err := negotiation.NewBuyer(id, negotiation.Request{Title: title, Quantity: qty, MaxPrice: d(max)}, opts...)
	require.NoError(t, err)
	return b
}

func item(title string, qty int, price, floor string) inventory.Item {
	return inventory.Item{Title: title, Quantity: qty, Price: d(price), Floor: d(floor)}
}

// closed captures the final snapshot of every session passed to OnClose.
type closed struct{ sessions []negotiation.Session }

func (c *closed) hooks() negotiation.Hooks {
	return negotiation.Hooks{OnClose: func(s negotiation.Session) { c.sessions = append(c.sessions, s) }}
}

// quoteAll broadcasts the buyer's request to sellers and feeds every reply back.
func quoteAll(t require.TestingT, b *negotiation.Buyer, conv string, sellers ...*negotiation.Seller) {
	ids := make([]string, len(sellers))
	for i, s := range sellers {
		ids[i] = s.ID()
	}
	rfq, err := b.RequestForQuote(conv, ids)
	require.NoError(t, err)
	for _, s := range sellers {
		replies, err := s.Handle(rfq)
		require.NoError(t, err)
		for _, r := range replies {
			_, err := b.Handle(r)
			require.NoError(t, err)
		}
	}
}

// converse delivers messages between b and the sellers until nobody replies.
func converse(t require.TestingT, b *negotiation.Buyer, first core.Message, sellers ...*negotiation.Seller) []core.Message {
	byID := make(map[string]*negotiation.Seller, len(sellers))
	for _, s := range sellers {
		byID[s.ID()] = s
	}

	var trace []core.Message
	pending := []core.Message{first}
	for steps := 0; len(pending) > 0; steps++ {
		require.Less(t, steps, 4*negotiation.MaxRounds, "negotiation did not terminate")
		m := pending[0]
		pending = pending[1:]
		trace = append(trace, m)

		var (
			replies []core.Message
			err     error
		)
		if m.Sender == b.ID() {
			replies, err = byID[m.Receivers[0]].Handle(m)
		} else {
			replies, err = b.Handle(m)
		}
		require.NoError(t, err)
		pending = append(pending, replies...)
	}
	return trace
}

func requireDecimals(t *testing.T, want []string, got []decimal.Decimal) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.True(t, d(want[i]).Equal(got[i]), "offer %d: want %s, got %s", i, want[i], got[i])
	}
}

// ------------------------------------------------------------------ scenarios

// Scenario A: converging negotiation ending in a sale.
func TestScenarioConverge(t *testing.T) {
	var sc closed
	seller := newSeller(t, "Vendedor1", []inventory.Item{item("Dom Casmurro", 3, "100", "80")}, negotiation.WithHooks(sc.hooks()))
	buyer := newBuyer(t, "buyer-1", "Dom Casmurro", 1, "100")

	quoteAll(t, buyer, "conv-a", seller)
	first, ok := buyer.SelectSeller()
	require.True(t, ok)
	require.True(t, first.Price.Equal(d("70")))

	trace := converse(t, buyer, first, seller)
	last := trace[len(trace)-1]
	require.Equal(t, core.Confirm, last.Performative)
	require.Equal(t, core.ReasonSaleCompleted, last.Reason)

	bs, ok := buyer.Session()
	require.True(t, ok)
	require.Equal(t, negotiation.Sold, bs.Outcome)
	require.Equal(t, 3, bs.Round)
	require.True(t, bs.AgreedPrice.Equal(d("87.1456")), "agreed %s", bs.AgreedPrice)
	requireDecimals(t, []string{"70", "73.6", "76.048"}, bs.Offers)
	require.NoError(t, buyer.Err())

	require.Len(t, sc.sessions, 1)
	ss := sc.sessions[0]
	require.Equal(t, negotiation.Sold, ss.Outcome)
	requireDecimals(t, []string{"100", "94", "89.92", "87.1456"}, ss.Offers)
	require.Empty(t, seller.Sessions(), "terminal sessions are dropped")

	it, _ := seller.Stock("Dom Casmurro")
	require.Equal(t, 2, it.Quantity)
	require.True(t, it.Price.Equal(d("87.1456")))
}

// Scenario A with two copies and a maximum below the list price.
func TestScenarioConvergeTwoCopies(t *testing.T) {
	seller := newSeller(t, "Vendedor1", []inventory.Item{item("Dom Casmurro", 3, "100.00", "80.00")})
	buyer := newBuyer(t, "buyer-1", "Dom Casmurro", 2, "95.00")

	quoteAll(t, buyer, "conv-a2", seller)
	first, ok := buyer.SelectSeller()
	require.True(t, ok)
	require.True(t, first.Price.Equal(d("70")), "opening offer %s", first.Price)
	require.Equal(t, 2, first.Quantity)

	trace := converse(t, buyer, first, seller)
	last := trace[len(trace)-1]
	require.Equal(t, core.Confirm, last.Performative)
	require.Equal(t, 2, last.Quantity)

	bs, ok := buyer.Session()
	require.True(t, ok)
	require.Equal(t, negotiation.Sold, bs.Outcome)
	require.True(t, bs.AgreedPrice.GreaterThanOrEqual(d("80")), "agreed %s below floor", bs.AgreedPrice)
	require.True(t, bs.AgreedPrice.LessThanOrEqual(d("95")), "agreed %s above maximum", bs.AgreedPrice)
	require.True(t, bs.AgreedPrice.Equal(d("87.1456")), "agreed %s", bs.AgreedPrice)

	it, _ := seller.Stock("Dom Casmurro")
	require.Equal(t, 1, it.Quantity)
}

// Scenario B: the opening offer is clamped to the maximum and the first
// counter is above it.
func TestScenarioRejectAboveMaximum(t *testing.T) {
	var sc closed
	seller := newSeller(t, "Vendedor1", []inventory.Item{item("Dom Casmurro", 3, "100", "80")}, negotiation.WithHooks(sc.hooks()))
	buyer := newBuyer(t, "buyer-1", "Dom Casmurro", 1, "60")

	quoteAll(t, buyer, "conv-b", seller)
	first, ok := buyer.SelectSeller()
	require.True(t, ok)
	require.True(t, first.Price.Equal(d("60")), "opening offer %s", first.Price)

	trace := converse(t, buyer, first, seller)
	require.Len(t, trace, 3)
	require.True(t, trace[1].Price.Equal(d("92")))
	require.Equal(t, core.Reject, trace[2].Performative)

	bs, _ := buyer.Session()
	require.Equal(t, negotiation.Rejected, bs.Outcome)
	require.Equal(t, 1, bs.Round)
	require.ErrorIs(t, buyer.Err(), core.ErrPriceAboveMaximum)

	require.Len(t, sc.sessions, 1)
	require.Equal(t, negotiation.Rejected, sc.sessions[0].Outcome)
	it, _ := seller.Stock("Dom Casmurro")
	require.Equal(t, 3, it.Quantity)
}

// Scenario C: two buyers were quoted the last copy; the second accept
// finds the stock gone.
func TestScenarioStockExhaustedAtCommit(t *testing.T) {
	seller := newSeller(t, "Vendedor1", []inventory.Item{item("Iracema", 1, "40", "35")})
	first := newBuyer(t, "buyer-1", "Iracema", 1, "50")
	second := newBuyer(t, "buyer-2", "Iracema", 1, "50")

	quoteAll(t, first, "conv-1", seller)
	quoteAll(t, second, "conv-2", seller)

	open1, ok := first.SelectSeller()
	require.True(t, ok)
	open2, ok := second.SelectSeller()
	require.True(t, ok)

	converse(t, first, open1, seller)
	bs, _ := first.Session()
	require.Equal(t, negotiation.Sold, bs.Outcome)

	trace := converse(t, second, open2, seller)
	last := trace[len(trace)-1]
	require.Equal(t, core.Cancel, last.Performative)
	require.Equal(t, core.ReasonStockExhausted, last.Reason)

	bs, _ = second.Session()
	require.Equal(t, negotiation.Cancelled, bs.Outcome)
	require.True(t, bs.AgreedPrice.IsZero(), "no agreed price without confirm")
	require.ErrorIs(t, second.Err(), core.ErrStockExhaustedAtCommit)

	it, _ := seller.Stock("Iracema")
	require.Equal(t, 0, it.Quantity)
}

// The final floor offer is what gets committed, and the buyer accepts it
// once the round cap is reached.
func TestFinalOfferCommittedAtFloor(t *testing.T) {
	var sc closed
	seller := newSeller(t, "Vendedor2", []inventory.Item{item("Dom Casmurro", 2, "50.00", "45.00")}, negotiation.WithHooks(sc.hooks()))
	buyer := newBuyer(t, "buyer-1", "Dom Casmurro", 1, "60")

	quoteAll(t, buyer, "conv-f", seller)
	open, ok := buyer.SelectSeller()
	require.True(t, ok)
	converse(t, buyer, open, seller)

	bs, _ := buyer.Session()
	require.Equal(t, negotiation.Sold, bs.Outcome)
	require.Equal(t, negotiation.MaxRounds, bs.Round)
	require.True(t, bs.AgreedPrice.Equal(d("45")))
	requireDecimals(t, []string{"35", "36.8", "38.03", "39.0755", "39.964175"}, bs.Offers)

	ss := sc.sessions[0]
	require.True(t, ss.Final)
	require.True(t, ss.Offer.Equal(d("45")))
	require.Equal(t, negotiation.MaxRounds, ss.Round)
	requireDecimals(t, []string{"50", "47", "45", "45", "45", "45"}, ss.Offers)
}

// ------------------------------------------------------------------ quote generation and selection

func TestSellerRefusals(t *testing.T) {
	seller := newSeller(t, "Vendedor1", []inventory.Item{item("Dom Casmurro", 3, "45.50", "40.00")})

	rfq := core.NewMessage(core.RequestForQuote, "buyer-1", "conv", "Vendedor1")
	rfq.Title, rfq.Quantity = "Iracema", 1
	out, err := seller.Handle(rfq)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, core.Refuse, out[0].Performative)
	require.Equal(t, core.ReasonItemNotFound, out[0].Reason)

	rfq.Title, rfq.Quantity = "Dom Casmurro", 4
	out, err = seller.Handle(rfq)
	require.NoError(t, err)
	require.Equal(t, core.ReasonInsufficientStock, out[0].Reason)
	require.Empty(t, seller.Sessions())
}

func TestSelectCheapestSufficientQuote(t *testing.T) {
	v1 := newSeller(t, "Vendedor1", []inventory.Item{item("Dom Casmurro", 3, "45.50", "40.00")})
	v2 := newSeller(t, "Vendedor2", []inventory.Item{item("Dom Casmurro", 2, "50.00", "45.00")})
	v3 := newSeller(t, "Vendedor3", []inventory.Item{item("Dom Casmurro", 1, "30.00", "25.00")})
	buyer := newBuyer(t, "buyer-1", "Dom Casmurro", 2, "60")

	quoteAll(t, buyer, "conv", v2, v3, v1)
	require.Equal(t, 2, buyer.Quotes(), "insufficient quantity is discarded")

	open, ok := buyer.SelectSeller()
	require.True(t, ok)
	require.Equal(t, []string{"Vendedor1"}, open.Receivers)
	require.True(t, open.Price.Equal(d("31.85")))
	require.False(t, buyer.Collecting())
}

func TestQuoteBookTiesGoToFirst(t *testing.T) {
	var qb negotiation.QuoteBook
	qb.Offer(negotiation.Quote{Seller: "b", Price: d("10"), Quantity: 1})
	qb.Offer(negotiation.Quote{Seller: "a", Price: d("10"), Quantity: 1})
	qb.Offer(negotiation.Quote{Seller: "c", Price: d("12"), Quantity: 1})

	best, ok := qb.Best(1)
	require.True(t, ok)
	require.Equal(t, "b", best.Seller)

	// last seen wins, position kept
	qb.Offer(negotiation.Quote{Seller: "c", Price: d("9"), Quantity: 1})
	best, _ = qb.Best(1)
	require.Equal(t, "c", best.Seller)
	require.Equal(t, 3, qb.Len())

	_, ok = qb.Best(2)
	require.False(t, ok)

	qb.Reset()
	require.Zero(t, qb.Len())
}

func TestNoQualifyingQuote(t *testing.T) {
	buyer := newBuyer(t, "buyer-1", "Iracema", 1, "60")
	_, err := buyer.RequestForQuote("conv", []string{"Vendedor1"})
	require.NoError(t, err)
	require.True(t, buyer.Active())

	_, ok := buyer.SelectSeller()
	require.False(t, ok)

	buyer.AbandonCollection()
	require.False(t, buyer.Active())
	require.Empty(t, buyer.Conversation())
}

func TestBroadcastGatedWhileActive(t *testing.T) {
	buyer := newBuyer(t, "buyer-1", "Iracema", 1, "60")
	_, err := buyer.RequestForQuote("conv-1", []string{"Vendedor1"})
	require.NoError(t, err)

	_, err = buyer.RequestForQuote("conv-2", []string{"Vendedor1"})
	require.ErrorIs(t, err, negotiation.ErrUnexpectedMessage)

	_, err = buyer.RequestForQuote("conv-2", nil)
	require.Error(t, err)
}

// ------------------------------------------------------------------ dropped messages

func TestMalformedMessageConsumesNoRound(t *testing.T) {
	seller := newSeller(t, "Vendedor1", []inventory.Item{item("Dom Casmurro", 3, "100", "80")})
	buyer := newBuyer(t, "buyer-1", "Dom Casmurro", 1, "100")
	quoteAll(t, buyer, "conv", seller)
	open, _ := buyer.SelectSeller()

	counter, err := seller.Handle(open)
	require.NoError(t, err)
	require.Len(t, counter, 1)

	bad := counter[0]
	bad.Price = decimal.Zero
	_, err = buyer.Handle(bad)
	require.ErrorIs(t, err, core.ErrMalformedMessage)
	bs, _ := buyer.Session()
	require.Equal(t, 0, bs.Round)

	bad = open
	bad.Quantity = 0
	_, err = seller.Handle(bad)
	require.ErrorIs(t, err, core.ErrMalformedMessage)
	require.Equal(t, 1, seller.Sessions()[0].Round)
}

func TestUnexpectedMessages(t *testing.T) {
	v1 := newSeller(t, "Vendedor1", []inventory.Item{item("Dom Casmurro", 3, "45.50", "40.00")})
	v2 := newSeller(t, "Vendedor2", []inventory.Item{item("Dom Casmurro", 2, "50.00", "45.00")})
	buyer := newBuyer(t, "buyer-1", "Dom Casmurro", 1, "60")
	quoteAll(t, buyer, "conv", v1, v2)
	_, ok := buyer.SelectSeller()
	require.True(t, ok)

	// late counter from the seller that was not chosen
	late := core.NewMessage(core.Propose, "Vendedor2", "conv", "buyer-1")
	late.Price, late.Quantity = d("48"), 1
	_, err := buyer.Handle(late)
	require.ErrorIs(t, err, negotiation.ErrUnexpectedMessage)

	other := core.NewMessage(core.Propose, "Vendedor1", "other-conv", "buyer-1")
	other.Price, other.Quantity = d("44"), 1
	_, err = buyer.Handle(other)
	require.ErrorIs(t, err, negotiation.ErrNoSession)

	stray := core.NewMessage(core.Accept, "buyer-9", "conv", "Vendedor1")
	_, err = v1.Handle(stray)
	require.ErrorIs(t, err, negotiation.ErrNoSession)
}

func TestExpireUnselectedQuotes(t *testing.T) {
	mock := clock.NewMock()
	v1 := newSeller(t, "Vendedor1", []inventory.Item{item("Dom Casmurro", 3, "45.50", "40.00")}, negotiation.WithClock(mock))
	v2 := newSeller(t, "Vendedor2", []inventory.Item{item("Dom Casmurro", 2, "50.00", "45.00")}, negotiation.WithClock(mock))
	buyer := newBuyer(t, "buyer-1", "Dom Casmurro", 1, "60")
	quoteAll(t, buyer, "conv", v1, v2)

	open, _ := buyer.SelectSeller()
	_, err := v1.Handle(open)
	require.NoError(t, err)

	mock.Add(3 * time.Minute)
	require.Equal(t, 0, v1.ExpireQuotes(2*time.Minute), "negotiating sessions never expire")
	require.Equal(t, 1, v2.ExpireQuotes(2*time.Minute))
	require.Empty(t, v2.Sessions())
	require.Len(t, v1.Sessions(), 1)
}

func TestRequestValidate(t *testing.T) {
	_, err := negotiation.NewBuyer("b", negotiation.Request{Title: "", Quantity: 1, MaxPrice: d("1")})
	require.Error(t, err)
	_, err = negotiation.NewBuyer("b", negotiation.Request{Title: "x", Quantity: 0, MaxPrice: d("1")})
	require.Error(t, err)
	_, err = negotiation.NewBuyer("b", negotiation.Request{Title: "x", Quantity: 1, MaxPrice: decimal.Zero})
	require.Error(t, err)
	_, err = negotiation.NewBuyer("", negotiation.Request{Title: "x", Quantity: 1, MaxPrice: d("1")})
	require.Error(t, err)
}
