package portal

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tankwatch/internal/domain"
)

const (
	caOrdersPath   = "/myaccount/getAllOrders"
	caOrderColumns = 5
)

var _ domain.OrderSource = (*CAClient)(nil)

// FetchOrders totals the propane deliveries listed in the account's order
// history. It reuses the session of the preceding FetchReadings and logs in
// again only when there is none.
func (c *CAClient) FetchOrders(ctx context.Context) (domain.OrderTotals, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.cookie(caCSRFCookie) == "" {
		if err := c.sess.reset(); err != nil {
			return domain.OrderTotals{}, err
		}
		if err := c.login(ctx); err != nil {
			return domain.OrderTotals{}, err
		}
	}

	var totals domain.OrderTotals
	err := c.retry(ctx, "orders", func() error {
		resp, err := c.orders(ctx)
		if err != nil {
			return err
		}
		totals, err = c.parseOrders(resp)
		return err
	})
	if err != nil {
		return domain.OrderTotals{}, err
	}
	c.log.Debug("order history", zap.Int("orders", totals.Orders), zap.Float64("volume", totals.Volume), zap.Float64("cost", totals.Cost))
	return totals, nil
}

func (c *CAClient) orders(ctx context.Context) ([]byte, error) {
	form := url.Values{
		"csrf_superior_token": {c.sess.cookie(caCSRFCookie)},
		"firstRun":            {"true"},
	}
	header := ajaxHeader.Clone()
	header.Set("Referer", c.sess.url(caDashboardPath))
	resp, err := c.sess.postForm(ctx, caOrdersPath, form, header)
	if err != nil {
		return nil, err
	}
	if strings.Contains(resp.finalURL, "individualLogin") {
		return nil, &domain.AuthError{Msg: "session expired"}
	}
	if resp.status != http.StatusOK {
		return nil, &domain.TransientError{Msg: "orders api returned " + strconv.Itoa(resp.status)}
	}
	return resp.body, nil
}

// parseOrders sums the propane rows of the order history fragment. Each row
// holds five cells: date, order number, product, "1,234 L" and "$1,050.00".
// Rows for other products or with unreadable amounts are skipped.
func (c *CAClient) parseOrders(body []byte) (domain.OrderTotals, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return domain.OrderTotals{}, &domain.ParseError{Msg: "orders page", Body: snippet(body, 512), Err: err}
	}

	var totals domain.OrderTotals
	volume, cost := decimal.Zero, decimal.Zero
	doc.Find("div.orders__row.cf").Each(func(i int, row *goquery.Selection) {
		cols := row.Find("div")
		if cols.Length() != caOrderColumns {
			return
		}
		if !strings.Contains(strings.ToUpper(cols.Eq(2).Text()), "PROPANE") {
			return
		}
		litres, price, ok := orderAmounts(cols.Eq(3).Text(), cols.Eq(4).Text())
		if !ok {
			c.log.Warn("skipping unreadable order row", zap.Int("row", i+1), zap.String("text", strings.Join(strings.Fields(row.Text()), " ")))
			return
		}
		totals.Orders++
		volume = volume.Add(litres)
		cost = cost.Add(price)
	})

	totals.Volume = volume.InexactFloat64()
	totals.Cost = cost.InexactFloat64()
	if volume.IsPositive() {
		avg := cost.DivRound(volume, 4).InexactFloat64()
		totals.AveragePrice = &avg
	}
	return totals, nil
}

// orderAmounts reads the whole litres delivered and the cost rounded to cents.
func orderAmounts(amount, price string) (decimal.Decimal, decimal.Decimal, bool) {
	fields := strings.Fields(amount)
	if len(fields) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	litres, err := decimal.NewFromString(strings.ReplaceAll(fields[0], ",", ""))
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	p := strings.ReplaceAll(strings.TrimLeft(strings.TrimSpace(price), "$"), ",", "")
	cost, err := decimal.NewFromString(p)
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	return litres.Truncate(0), cost.Round(2), true
}
