// Package inventory holds a seller's stock and applies sale commits.
//
// A Store is owned by exactly one seller goroutine and is not safe for
// concurrent use.
package inventory

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
)

// ErrPriceBelowFloor is returned when a commit is attempted below the item's floor.
var ErrPriceBelowFloor = xerrors.New("price below floor")

// Item is one stocked title.
type Item struct {
	Title    string
	Quantity int
	Price    decimal.Decimal // current price, quoted first
	Floor    decimal.Decimal // lowest acceptable price
}

// Validate checks quantity >= 0, floor > 0 and price >= floor.
func (it Item) Validate() error {
	if it.Title == "" {
		return xerrors.New("item: empty title")
	}
	if it.Quantity < 0 {
		return xerrors.Errorf("item %q: negative quantity %d", it.Title, it.Quantity)
	}
	if !it.Floor.IsPositive() {
		return xerrors.Errorf("item %q: floor %s must be positive", it.Title, it.Floor)
	}
	if it.Price.LessThan(it.Floor) {
		return xerrors.Errorf("item %q: price %s below floor %s", it.Title, it.Price, it.Floor)
	}
	return nil
}

// Sale records one committed sale.
type Sale struct {
	Title    string
	Quantity int
	Price    decimal.Decimal
}

// Store maps titles to items.
type Store struct {
	items map[string]*Item
	sales []Sale
}

// New builds a store from items. Duplicate titles are rejected.
func New(items ...Item) (*Store, error) {
	s := &Store{items: make(map[string]*Item, len(items))}
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.items[it.Title]; dup {
			return nil, xerrors.Errorf("item %q listed twice", it.Title)
		}
		it := it
		s.items[it.Title] = &it
	}
	return s, nil
}

// Get returns a copy of the item stocked under title.
func (s *Store) Get(title string) (Item, bool) {
	it, ok := s.items[title]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// CheckAvailability reports whether qty units of title can be quoted.
func (s *Store) CheckAvailability(title string, qty int) (Item, error) {
	it, ok := s.items[title]
	if !ok {
		return Item{}, xerrors.Errorf("%q: %w", title, core.ErrItemNotFound)
	}
	if it.Quantity < qty {
		return *it, xerrors.Errorf("%q: have %d, want %d: %w", title, it.Quantity, qty, core.ErrInsufficientStock)
	}
	return *it, nil
}

// Commit decrements stock by qty and sets the item's current price to the
// agreed price. The store is unchanged on error.
func (s *Store) Commit(title string, qty int, price decimal.Decimal) (Sale, error) {
	it, ok := s.items[title]
	if !ok {
		return Sale{}, xerrors.Errorf("commit %q: %w", title, core.ErrItemNotFound)
	}
	if price.LessThan(it.Floor) {
		return Sale{}, xerrors.Errorf("commit %q at %s (floor %s): %w", title, price, it.Floor, ErrPriceBelowFloor)
	}
	if it.Quantity-qty < 0 {
		return Sale{}, xerrors.Errorf("commit %q: have %d, want %d: %w", title, it.Quantity, qty, core.ErrStockExhaustedAtCommit)
	}
	it.Quantity -= qty
	it.Price = price
	sale := Sale{Title: title, Quantity: qty, Price: price}
	s.sales = append(s.sales, sale)
	return sale, nil
}

// Items returns a snapshot of all items ordered by title.
func (s *Store) Items() []Item {
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// Sales returns the committed sales in order.
func (s *Store) Sales() []Sale {
	return append([]Sale(nil), s.sales...)
}

// ParseEntry parses "Title:Quantity:Price:Floor". The title may itself
// contain colons; the last three fields are numeric.
func ParseEntry(entry string) (Item, error) {
	parts := strings.Split(entry, ":")
	if len(parts) < 4 {
		return Item{}, xerrors.Errorf("inventory entry %q: want Title:Quantity:Price:Floor", entry)
	}
	n := len(parts)
	title := strings.TrimSpace(strings.Join(parts[:n-3], ":"))

	qty, err := strconv.Atoi(strings.TrimSpace(parts[n-3]))
	if err != nil {
		return Item{}, xerrors.Errorf("inventory entry %q: quantity: %w", entry, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(parts[n-2]))
	if err != nil {
		return Item{}, xerrors.Errorf("inventory entry %q: price: %w", entry, err)
	}
	floor, err := decimal.NewFromString(strings.TrimSpace(parts[n-1]))
	if err != nil {
		return Item{}, xerrors.Errorf("inventory entry %q: floor: %w", entry, err)
	}

	it := Item{Title: title, Quantity: qty, Price: price, Floor: floor}
	if err := it.Validate(); err != nil {
		return Item{}, err
	}
	return it, nil
}

// String renders the item in ParseEntry form.
func (it Item) String() string {
	return it.Title + ":" + strconv.Itoa(it.Quantity) + ":" + it.Price.StringFixed(2) + ":" + it.Floor.StringFixed(2)
}
