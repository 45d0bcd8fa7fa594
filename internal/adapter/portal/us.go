package portal

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tankwatch/internal/domain"
)

const (
	usBaseURL   = "https://mysuperioraccountlogin.com"
	usLoginPath = "/Account/Login?ReturnUrl=%2F"
	usTankPath  = "/Tank"
	usDateForm  = "1/2/2006"
)

var (
	usSizeRe    = regexp.MustCompile(`(\d+)\s*gal\.`)
	usVolumeRe  = regexp.MustCompile(`Approximately (\d+) gallons in tank`)
	usPriceRe   = regexp.MustCompile(`\$(\d+\.\d+)`)
	usReadingRe = regexp.MustCompile(`Reading Date:\s*(\d{1,2}/\d{1,2}/\d{4})`)
	usDeliverRe = regexp.MustCompile(`Last Delivery:\s*(\d{1,2}/\d{1,2}/\d{4})`)
)

var htmlHeader = http.Header{
	"Accept": {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
}

// USClient scrapes the US portal. The session is reused across fetches and
// re-established once when the portal reports it expired.
type USClient struct {
	username string
	password string
	log      *zap.Logger

	mu            sync.Mutex
	sess          *session
	authenticated bool
}

// NewUSClient creates a US portal client.
func NewUSClient(region domain.Region, username, password string, opts Options) (*USClient, error) {
	opts = opts.withDefaults()
	base := opts.BaseURL
	if base == "" {
		base = usBaseURL
	}
	sess, err := newSession(base, opts)
	if err != nil {
		return nil, err
	}
	return &USClient{
		username: username,
		password: password,
		log:      opts.Logger.With(zap.String("portal", region.Code)),
		sess:     sess,
	}, nil
}

// FetchReadings logs in when needed and scrapes the tank page.
func (c *USClient) FetchReadings(ctx context.Context) ([]domain.Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.authenticated {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}
	readings, err := c.tanks(ctx)
	if domain.IsAuth(err) {
		c.log.Debug("session expired, logging in again")
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		readings, err = c.tanks(ctx)
	}
	return readings, err
}

func (c *USClient) login(ctx context.Context) error {
	c.authenticated = false
	if err := c.sess.reset(); err != nil {
		return err
	}

	page, err := c.sess.get(ctx, usLoginPath, htmlHeader)
	if err != nil {
		return err
	}
	if page.status != http.StatusOK {
		return &domain.TransientError{Msg: "login page returned " + strconv.Itoa(page.status)}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.body))
	if err != nil {
		return &domain.ParseError{Msg: "login page", Body: snippet(page.body, 512), Err: err}
	}
	token, ok := doc.Find(`input[name="__RequestVerificationToken"]`).First().Attr("value")
	if !ok || token == "" {
		return &domain.ParseError{Msg: "csrf token not found", Body: snippet(page.body, 512)}
	}

	form := url.Values{
		"__RequestVerificationToken": {token},
		"EmailAddress":               {c.username},
		"Password":                   {c.password},
		"RememberMe":                 {"true"},
	}
	header := htmlHeader.Clone()
	header.Set("Referer", c.sess.url(usLoginPath))
	resp, err := c.sess.postForm(ctx, usLoginPath, form, header)
	if err != nil {
		return err
	}
	if strings.Contains(resp.finalURL, "Login") || resp.status != http.StatusOK {
		return &domain.AuthError{Msg: "login rejected"}
	}

	// The portal only serves tank data after the home and customer pages
	// have been visited in the session.
	for _, path := range []string{"/", "/Customers"} {
		if _, err := c.sess.get(ctx, path, htmlHeader); err != nil {
			return err
		}
	}
	c.authenticated = true
	c.log.Debug("logged in")
	return nil
}

func (c *USClient) tanks(ctx context.Context) ([]domain.Reading, error) {
	resp, err := c.sess.get(ctx, usTankPath, htmlHeader)
	if err != nil {
		return nil, err
	}
	if strings.Contains(resp.finalURL, "Login") {
		c.authenticated = false
		return nil, &domain.AuthError{Msg: "session expired"}
	}
	if resp.status != http.StatusOK {
		return nil, &domain.TransientError{Msg: "tank page returned " + strconv.Itoa(resp.status)}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.body))
	if err != nil {
		return nil, &domain.ParseError{Msg: "tank page", Body: snippet(resp.body, 512), Err: err}
	}
	if doc.Find(`form[action="/Account/Login"]`).Length() > 0 {
		c.authenticated = false
		return nil, &domain.AuthError{Msg: "session expired"}
	}

	var readings []domain.Reading
	doc.Find("div.tank-row").Each(func(i int, row *goquery.Selection) {
		r, ok := parseUSRow(row)
		if !ok {
			c.log.Warn("skipping unparseable tank row", zap.Int("row", i+1))
			return
		}
		readings = append(readings, r)
	})
	if len(readings) == 0 {
		return nil, &domain.ParseError{Msg: "no tanks found", Body: snippet(resp.body, 512)}
	}
	return readings, nil
}

// parseUSRow extracts one tank. Fields the portal omits stay nil so the
// engine can judge the reading.
func parseUSRow(row *goquery.Selection) (domain.Reading, bool) {
	address := strings.Join(strings.Fields(row.Find(".col-md-2").First().Text()), " ")
	if address == "" {
		return domain.Reading{}, false
	}
	r := domain.Reading{
		TankID:         slug.Make(address),
		Name:           address,
		Address:        address,
		OnDeliveryPlan: true,
	}

	if m := usSizeRe.FindStringSubmatch(row.Find(".col-md-3").First().Text()); m != nil {
		r.Capacity = parseFloat(m[1])
	}
	if v, ok := row.Find("div.progress-bar").First().Attr("aria-valuenow"); ok {
		r.LevelPercent = parseFloat(v)
	}

	text := row.Text()
	if m := usVolumeRe.FindStringSubmatch(text); m != nil {
		r.Volume = parseFloat(m[1])
	}
	if m := usReadingRe.FindStringSubmatch(text); m != nil {
		r.ReadingDate = parseDate(usDateForm, m[1])
	}
	if m := usDeliverRe.FindStringSubmatch(text); m != nil {
		r.LastDelivery = parseDate(usDateForm, m[1])
	}
	if m := usPriceRe.FindStringSubmatch(text); m != nil {
		if d, err := decimal.NewFromString(m[1]); err == nil {
			price := d.Round(4).InexactFloat64()
			r.UnitPrice = &price
		}
	}
	return r, true
}

func parseFloat(s string) *float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseDate(layout, s string) *time.Time {
	t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return nil
	}
	return &t
}
