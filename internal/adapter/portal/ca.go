package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tankwatch/internal/domain"
)

const (
	caBaseURL       = "https://mysuperior.superiorpropane.com"
	caLoginPagePath = "/account/individualLogin"
	caLoginPath     = "/account/loginFirst"
	caTanksPath     = "/myaccount/readTanks"
	caDashboardPath = "/dashboard"
	caCSRFCookie    = "csrf_cookie_name"
	caPageSize      = 10
	caDateForm      = "2006-01-02"
)

var ajaxHeader = http.Header{
	"Accept":           {"application/json, text/javascript, */*; q=0.01"},
	"X-Requested-With": {"XMLHttpRequest"},
}

// CAClient reads the Canadian portal. The portal invalidates sessions
// aggressively, so every fetch starts from a fresh login.
type CAClient struct {
	username   string
	password   string
	retries    int
	retryDelay time.Duration
	log        *zap.Logger

	mu   sync.Mutex
	sess *session
}

// NewCAClient creates a Canadian portal client.
func NewCAClient(region domain.Region, username, password string, opts Options) (*CAClient, error) {
	opts = opts.withDefaults()
	base := opts.BaseURL
	if base == "" {
		base = caBaseURL
	}
	sess, err := newSession(base, opts)
	if err != nil {
		return nil, err
	}
	retries := region.MaxRequestRetries
	if retries <= 0 {
		retries = 1
	}
	return &CAClient{
		username:   username,
		password:   password,
		retries:    retries,
		retryDelay: opts.RetryDelay,
		log:        opts.Logger.With(zap.String("portal", region.Code)),
		sess:       sess,
	}, nil
}

// FetchReadings logs in and pages through every tank on the account.
func (c *CAClient) FetchReadings(ctx context.Context) ([]domain.Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sess.reset(); err != nil {
		return nil, err
	}
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	return c.tanks(ctx)
}

func (c *CAClient) login(ctx context.Context) error {
	page, err := c.sess.get(ctx, caLoginPagePath, htmlHeader)
	if err != nil {
		return err
	}
	if strings.Contains(page.finalURL, "maintenance") {
		return &domain.TransientError{Msg: "site under scheduled maintenance", Maintenance: true}
	}
	if page.status != http.StatusOK {
		return &domain.TransientError{Msg: "login page returned " + strconv.Itoa(page.status)}
	}
	token := c.sess.cookie(caCSRFCookie)
	if token == "" {
		return &domain.ParseError{Msg: "csrf cookie not set", Body: snippet(page.body, 512)}
	}

	form := url.Values{
		"csrf_superior_token": {token},
		"login_email":         {c.username},
		"login_password":      {c.password},
	}
	header := ajaxHeader.Clone()
	header.Set("Referer", c.sess.url(caLoginPagePath))
	resp, err := c.sess.postForm(ctx, caLoginPath, form, header)
	if err != nil {
		return err
	}
	switch {
	case strings.Contains(resp.finalURL, "dashboard"):
		c.log.Debug("logged in")
		return nil
	case strings.Contains(resp.finalURL, "individualLogin"):
		return &domain.AuthError{Msg: "login rejected"}
	case strings.Contains(resp.finalURL, "maintenance"):
		return &domain.TransientError{Msg: "site under scheduled maintenance", Maintenance: true}
	}
	return &domain.ParseError{Msg: "unexpected login response", Body: snippet(resp.body, 200)}
}

// tankPage is the envelope of readTanks. Data holds a JSON-encoded array.
type tankPage struct {
	Status   flexBool `json:"status"`
	Data     string   `json:"data"`
	Finished *bool    `json:"finished"`
	Message  string   `json:"message"`
}

type caTank struct {
	TankID         flexString `json:"adds_tank_id"`
	Location       flexString `json:"adds_location"`
	Name           flexString `json:"tank_name"`
	Size           flexString `json:"adds_tank_size"`
	SerialNumber   flexString `json:"adds_serial_number"`
	CustomerNumber flexString `json:"adds_customer_number"`
	FillPercentage flexString `json:"adds_fill_percentage"`
	Fill           flexString `json:"adds_fill"`
	LastReading    flexString `json:"adds_last_reading"`
	LastFill       flexString `json:"adds_last_fill"`
	OnDeliveryPlan flexString `json:"isOnDeliveryPlan"`
}

func (c *CAClient) tanks(ctx context.Context) ([]domain.Reading, error) {
	var readings []domain.Reading
	for offset := 0; ; offset += caPageSize {
		batch, finished, err := c.pageWithRetry(ctx, offset)
		if err != nil {
			if len(readings) > 0 && !domain.IsAuth(err) && ctx.Err() == nil {
				c.log.Warn("returning partial tank list", zap.Int("tanks", len(readings)), zap.Error(err))
				return readings, nil
			}
			return nil, err
		}
		readings = append(readings, batch...)
		if finished {
			break
		}
	}
	if len(readings) == 0 {
		return nil, &domain.ParseError{Msg: "no tanks found"}
	}
	return readings, nil
}

func (c *CAClient) pageWithRetry(ctx context.Context, offset int) ([]domain.Reading, bool, error) {
	var batch []domain.Reading
	var finished bool
	err := c.retry(ctx, "tank page", func() error {
		var err error
		batch, finished, err = c.page(ctx, offset)
		return err
	}, zap.Int("offset", offset))
	return batch, finished, err
}

// retry runs fn up to the region's request limit. Only transient and parse
// failures are retried, with a linearly growing delay.
func (c *CAClient) retry(ctx context.Context, what string, fn func() error, fields ...zap.Field) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var te *domain.TransientError
		var pe *domain.ParseError
		if (!errors.As(err, &te) && !errors.As(err, &pe)) || attempt >= c.retries {
			return err
		}
		c.log.Debug(what+" failed, retrying", append(fields, zap.Int("attempt", attempt), zap.Error(err))...)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay * time.Duration(attempt)):
		}
	}
}

func (c *CAClient) page(ctx context.Context, offset int) ([]domain.Reading, bool, error) {
	firstRun := "false"
	if offset == 0 {
		firstRun = "true"
	}
	form := url.Values{
		"csrf_superior_token": {c.sess.cookie(caCSRFCookie)},
		"limit":               {strconv.Itoa(caPageSize)},
		"offset":              {strconv.Itoa(offset)},
		"firstRun":            {firstRun},
		"listIndex":           {strconv.Itoa(offset + 1)},
	}
	header := ajaxHeader.Clone()
	header.Set("Referer", c.sess.url(caDashboardPath))
	resp, err := c.sess.postForm(ctx, caTanksPath, form, header)
	if err != nil {
		return nil, false, err
	}
	if strings.Contains(resp.finalURL, "individualLogin") {
		return nil, false, &domain.AuthError{Msg: "session expired"}
	}
	if resp.status != http.StatusOK {
		return nil, false, &domain.TransientError{Msg: "tank api returned " + strconv.Itoa(resp.status)}
	}
	return parseTankPage(resp.body, offset > 0)
}

// parseTankPage decodes one readTanks response. more is set when earlier
// pages already returned tanks, in which case an empty failed page marks the
// end of the list.
func parseTankPage(body []byte, more bool) ([]domain.Reading, bool, error) {
	var env tankPage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, &domain.ParseError{Msg: "tank api envelope", Body: snippet(body, 512), Err: err}
	}
	var tanks []caTank
	if data := strings.TrimSpace(env.Data); data != "" {
		if err := json.Unmarshal([]byte(data), &tanks); err != nil {
			return nil, false, &domain.ParseError{Msg: "tank api data", Body: snippet(body, 512), Err: err}
		}
	}

	if !env.Status {
		if more && len(tanks) == 0 {
			return nil, true, nil
		}
		msg := env.Message
		if msg == "" {
			msg = "unknown"
		}
		return nil, false, &domain.ParseError{Msg: "tank api error: " + msg, Body: snippet(body, 512)}
	}
	if len(tanks) == 0 {
		return nil, true, nil
	}

	readings := make([]domain.Reading, 0, len(tanks))
	for _, t := range tanks {
		if r, ok := t.reading(); ok {
			readings = append(readings, r)
		}
	}
	finished := env.Finished == nil || *env.Finished
	if len(readings) < caPageSize {
		finished = true
	}
	return readings, finished, nil
}

func (t caTank) reading() (domain.Reading, bool) {
	id := strings.TrimSpace(string(t.TankID))
	if id == "" {
		return domain.Reading{}, false
	}
	r := domain.Reading{
		TankID:         id,
		Name:           strings.TrimSpace(string(t.Name)),
		Address:        strings.TrimSpace(string(t.Location)),
		SerialNumber:   strings.TrimSpace(string(t.SerialNumber)),
		Capacity:       parseFloat(string(t.Size)),
		LevelPercent:   parseFloat(string(t.FillPercentage)),
		Volume:         parseFloat(string(t.Fill)),
		OnDeliveryPlan: string(t.OnDeliveryPlan) == "1",
	}
	if d := datePart(string(t.LastReading)); d != "" {
		r.ReadingDate = parseDate(caDateForm, d)
	}
	if d := datePart(string(t.LastFill)); d != "" {
		r.LastDelivery = parseDate(caDateForm, d)
	}
	return r, true
}

// datePart drops a trailing time from values like "2025-01-15 08:30:00".
func datePart(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// flexBool accepts true/false, 1/0 and their string forms.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	*f = flexBool(s == "true" || s == "1")
	return nil
}
