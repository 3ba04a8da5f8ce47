// Package coordinator collects purchase requests from an operator and hands
// them to a market.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	logging "github.com/ipfs/go-log/v2"
	"github.com/manifoldco/promptui"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/agent"
	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/market"
	"github.com/olserra/haggle/negotiation"
)

var log = logging.Logger("haggle/coordinator")

const (
	menuPlaceOrder = "Place order"
	menuExit       = "Exit"
)

// Placer starts buyers. *market.Market implements it.
type Placer interface {
	PlaceOrder(ctx context.Context, req negotiation.Request) (*market.Order, error)
}

// Console is the interactive order entry loop.
type Console struct {
	placer Placer
	out    io.Writer

	// Timeout bounds how long the console waits for one order. Zero waits
	// until the order finishes or the console is cancelled.
	Timeout time.Duration

	// Stdin and Stdout override the terminal used by the prompts.
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

// NewConsole returns a console placing orders on p and printing results to out.
func NewConsole(p Placer, out io.Writer) *Console {
	return &Console{placer: p, out: out, Timeout: 2 * time.Minute}
}

// Run shows the menu until the operator picks Exit, closes input or ctx is
// cancelled.
func (c *Console) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		_, choice, err := (&promptui.Select{
			Label:  "haggle",
			Items:  []string{menuPlaceOrder, menuExit},
			Stdin:  c.Stdin,
			Stdout: c.Stdout,
		}).Run()
		if err != nil {
			if xerrors.Is(err, promptui.ErrInterrupt) || xerrors.Is(err, promptui.ErrEOF) {
				return nil
			}
			return xerrors.Errorf("menu: %w", err)
		}
		if choice == menuExit {
			return nil
		}

		req, err := c.readOrder()
		if err != nil {
			if xerrors.Is(err, promptui.ErrInterrupt) || xerrors.Is(err, promptui.ErrEOF) {
				return nil
			}
			_, _ = fmt.Fprintf(c.out, "%s %s\n", color.RedString("invalid order:"), err)
			continue
		}
		c.execute(ctx, req)
	}
	return nil
}

func (c *Console) readOrder() (negotiation.Request, error) {
	prompt := func(label string, validate promptui.ValidateFunc) (string, error) {
		return (&promptui.Prompt{
			Label:    label,
			Validate: validate,
			Stdin:    c.Stdin,
			Stdout:   c.Stdout,
		}).Run()
	}

	title, err := prompt("Title", func(s string) error {
		if strings.TrimSpace(s) == "" {
			return xerrors.New("title is required")
		}
		return nil
	})
	if err != nil {
		return negotiation.Request{}, err
	}
	qty, err := prompt("Quantity", func(s string) error {
		_, err := parseQuantity(s)
		return err
	})
	if err != nil {
		return negotiation.Request{}, err
	}
	limit, err := prompt("Maximum price", func(s string) error {
		_, err := parsePrice(s)
		return err
	})
	if err != nil {
		return negotiation.Request{}, err
	}
	return ParseOrder(title, qty, limit)
}

// execute places req and waits for its result.
func (c *Console) execute(ctx context.Context, req negotiation.Request) {
	o, err := c.placer.PlaceOrder(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(c.out, "%s %s\n", color.RedString("order not placed:"), err)
		return
	}
	_, _ = fmt.Fprintf(c.out, "%s is negotiating %d x %q up to %s\n",
		color.CyanString(o.Buyer), req.Quantity, req.Title, req.MaxPrice.StringFixed(2))

	wctx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	res, err := o.Wait(wctx)
	PrintResult(c.out, res, err)
}

// ParseOrder builds a Request from operator input.
func ParseOrder(title, quantity, maxPrice string) (negotiation.Request, error) {
	qty, err := parseQuantity(quantity)
	if err != nil {
		return negotiation.Request{}, err
	}
	limit, err := parsePrice(maxPrice)
	if err != nil {
		return negotiation.Request{}, err
	}
	req := negotiation.Request{Title: strings.TrimSpace(title), Quantity: qty, MaxPrice: limit}
	if err := req.Validate(); err != nil {
		return negotiation.Request{}, err
	}
	return req, nil
}

// ParseOrderSpec parses "Title:Qty:Max". The title may itself contain colons.
func ParseOrderSpec(spec string) (negotiation.Request, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 {
		return negotiation.Request{}, xerrors.Errorf("order %q: want Title:Qty:Max", spec)
	}
	n := len(parts)
	req, err := ParseOrder(strings.Join(parts[:n-2], ":"), parts[n-2], parts[n-1])
	if err != nil {
		return negotiation.Request{}, xerrors.Errorf("order %q: %w", spec, err)
	}
	return req, nil
}

func parseQuantity(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, xerrors.Errorf("quantity %q is not a number", s)
	}
	if n <= 0 {
		return 0, xerrors.Errorf("quantity %d must be positive", n)
	}
	return n, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, xerrors.Errorf("price %q is not a number", s)
	}
	if !p.IsPositive() {
		return decimal.Decimal{}, xerrors.Errorf("price %s must be positive", p)
	}
	return p, nil
}

// PrintResult renders an order outcome.
func PrintResult(w io.Writer, res agent.Result, err error) {
	var line string
	switch {
	case err != nil:
		line = color.YellowString("%s: no deal (%s)", res.Buyer, err)
	case res.Outcome == negotiation.Sold:
		line = fmt.Sprintf("%s: bought from %s for %s after %d rounds",
			res.Buyer, color.GreenString(res.Seller), color.GreenString(res.Price.StringFixed(2)), res.Rounds)
	case res.Outcome == negotiation.Rejected && xerrors.Is(res.Err, core.ErrPriceAboveMaximum):
		line = color.RedString("%s: rejected %s, price above maximum", res.Buyer, res.Seller)
	case res.Outcome == negotiation.Cancelled:
		line = color.RedString("%s: %s cancelled the sale (%v)", res.Buyer, res.Seller, res.Err)
	default:
		line = color.YellowString("%s: %s", res.Buyer, res.Outcome)
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		log.Debugw("writing result", "error", err)
	}
}
