package inventory_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/inventory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T, items ...inventory.Item) *inventory.Store {
	t.Helper()
	s, err := inventory.New(items...)
	require.NoError(t, err)
	return s
}

func domCasmurro(qty int) inventory.Item {
	return inventory.Item{Title: "Dom Casmurro", Quantity: qty, Price: d("45.50"), Floor: d("40.00")}
}

func TestCheckAvailability(t *testing.T) {
	s := newStore(t, domCasmurro(3))

	it, err := s.CheckAvailability("Dom Casmurro", 3)
	require.NoError(t, err)
	require.True(t, it.Price.Equal(d("45.50")))

	_, err = s.CheckAvailability("Dom Casmurro", 4)
	require.ErrorIs(t, err, core.ErrInsufficientStock)

	_, err = s.CheckAvailability("Iracema", 1)
	require.ErrorIs(t, err, core.ErrItemNotFound)
}

func TestCommit(t *testing.T) {
	s := newStore(t, domCasmurro(3))

	sale, err := s.Commit("Dom Casmurro", 2, d("42"))
	require.NoError(t, err)
	require.Equal(t, 2, sale.Quantity)

	it, _ := s.Get("Dom Casmurro")
	require.Equal(t, 1, it.Quantity)
	require.True(t, it.Price.Equal(d("42")), "current price follows the last sale")
	require.Len(t, s.Sales(), 1)
}

// Scenario C: the quote was valid but stock ran out before the commit.
func TestCommitStockExhausted(t *testing.T) {
	s := newStore(t, domCasmurro(1))

	_, err := s.Commit("Dom Casmurro", 2, d("45.50"))
	require.ErrorIs(t, err, core.ErrStockExhaustedAtCommit)

	it, _ := s.Get("Dom Casmurro")
	require.Equal(t, 1, it.Quantity, "inventory must be unchanged")
	require.Empty(t, s.Sales())
}

func TestCommitBelowFloor(t *testing.T) {
	s := newStore(t, domCasmurro(3))
	_, err := s.Commit("Dom Casmurro", 1, d("39.99"))
	require.ErrorIs(t, err, inventory.ErrPriceBelowFloor)
}

func TestCommitArithmetic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stock := rapid.IntRange(0, 20).Draw(t, "stock")
		qty := rapid.IntRange(1, 25).Draw(t, "qty")

		s, err := inventory.New(domCasmurro(stock))
		if err != nil {
			t.Fatal(err)
		}
		_, err = s.Commit("Dom Casmurro", qty, d("45.50"))
		it, _ := s.Get("Dom Casmurro")

		if stock-qty >= 0 {
			if err != nil || it.Quantity != stock-qty {
				t.Fatalf("commit %d of %d: err=%v left=%d", qty, stock, err, it.Quantity)
			}
			return
		}
		if err == nil || it.Quantity != stock {
			t.Fatalf("commit %d of %d should fail and leave stock: err=%v left=%d", qty, stock, err, it.Quantity)
		}
	})
}

func TestNewRejectsInvalid(t *testing.T) {
	_, err := inventory.New(inventory.Item{Title: "x", Quantity: 1, Price: d("10"), Floor: d("12")})
	require.Error(t, err)

	_, err = inventory.New(domCasmurro(1), domCasmurro(2))
	require.Error(t, err)

	_, err = inventory.New(inventory.Item{Title: "x", Quantity: -1, Price: d("10"), Floor: d("5")})
	require.Error(t, err)
}

func TestItemsSorted(t *testing.T) {
	s := newStore(t,
		inventory.Item{Title: "Iracema", Quantity: 4, Price: d("40"), Floor: d("35")},
		domCasmurro(2),
	)
	items := s.Items()
	require.Len(t, items, 2)
	require.Equal(t, "Dom Casmurro", items[0].Title)
}

func TestParseEntry(t *testing.T) {
	it, err := inventory.ParseEntry("Memórias Póstumas de Brás Cubas:2:60.00:55.00")
	require.NoError(t, err)
	require.Equal(t, "Memórias Póstumas de Brás Cubas", it.Title)
	require.Equal(t, 2, it.Quantity)
	require.True(t, it.Price.Equal(d("60")))
	require.True(t, it.Floor.Equal(d("55")))
	require.Equal(t, "Memórias Póstumas de Brás Cubas:2:60.00:55.00", it.String())

	it, err = inventory.ParseEntry("Title: With Colon:1:10:9")
	require.NoError(t, err)
	require.Equal(t, "Title: With Colon", it.Title)

	for _, bad := range []string{"", "a:b", "Iracema:x:40:35", "Iracema:1:4o:35", "Iracema:1:30:35"} {
		_, err := inventory.ParseEntry(bad)
		require.Error(t, err, bad)
	}
}
