package negotiation

import "github.com/shopspring/decimal"

// Quote is a seller's answer to a request-for-quote.
type Quote struct {
	Seller   string
	Price    decimal.Decimal
	Quantity int
}

// QuoteBook collects quotes for one conversation. The last quote from a
// seller wins, but the seller keeps the position of its first quote.
type QuoteBook struct {
	order  []string
	quotes map[string]Quote
}

// Offer records q.
func (b *QuoteBook) Offer(q Quote) {
	if b.quotes == nil {
		b.quotes = make(map[string]Quote)
	}
	if _, seen := b.quotes[q.Seller]; !seen {
		b.order = append(b.order, q.Seller)
	}
	b.quotes[q.Seller] = q
}

// Best returns the strictly cheapest quote offering at least minQty units.
// Ties go to the earliest inserted seller.
func (b *QuoteBook) Best(minQty int) (Quote, bool) {
	var (
		best  Quote
		found bool
	)
	for _, s := range b.order {
		q := b.quotes[s]
		if q.Quantity < minQty {
			continue
		}
		if !found || q.Price.LessThan(best.Price) {
			best, found = q, true
		}
	}
	return best, found
}

// Len returns the number of sellers quoted.
func (b *QuoteBook) Len() int { return len(b.order) }

// Reset drops all quotes.
func (b *QuoteBook) Reset() {
	b.order = nil
	b.quotes = nil
}
