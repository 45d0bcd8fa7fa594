package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankwatch/internal/domain"
)

type fakeCAPortal struct {
	tanks       int
	maintenance bool
	failOffset  int // readTanks returns 500 at this offset; -1 disables
	pageCalls   atomic.Int32
	logins      atomic.Int32
	ordersHTML  string
	ordersFails int32 // getAllOrders returns 503 this many times first
	orderCalls  atomic.Int32
}

const caOrdersHTML = `<div class="orders">
<div class="orders__row cf">
  <div>2025-11-30</div><div>SO-1001</div><div>Propane</div><div>1,000 L</div><div>$1,050.00</div>
</div>
<div class="orders__row cf">
  <div>2025-09-02</div><div>SO-0987</div><div>PROPANE - Residential</div><div>512.7 L</div><div>$499.99</div>
</div>
<div class="orders__row cf">
  <div>2025-08-15</div><div>SO-0950</div><div>Tank rental</div><div>1 ea</div><div>$60.00</div>
</div>
<div class="orders__row cf">
  <div>2025-06-01</div><div>SO-0900</div><div>Propane</div><div>n/a</div><div>$10.00</div>
</div>
<div class="orders__row cf">
  <div>2025-05-01</div><div>Propane</div><div>100 L</div>
</div>
</div>`

func caTankJSON(i int) map[string]any {
	return map[string]any{
		"adds_tank_id":         strconv.Itoa(1000 + i),
		"adds_location":        fmt.Sprintf("%d Rue Principale", i),
		"tank_name":            fmt.Sprintf("Tank %d", i),
		"adds_tank_size":       "1892",
		"adds_serial_number":   " SN-" + strconv.Itoa(i) + " ",
		"adds_fill_percentage": 50,
		"adds_fill":            "946",
		"adds_last_reading":    "2026-01-09 07:15:00",
		"adds_last_fill":       "2025-11-30 13:00:00",
		"isOnDeliveryPlan":     map[bool]string{true: "1", false: "0"}[i%2 == 0],
	}
}

func (f *fakeCAPortal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/account/individualLogin", func(w http.ResponseWriter, r *http.Request) {
		if f.maintenance {
			http.Redirect(w, r, "/maintenance", http.StatusFound)
			return
		}
		f.logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: caCSRFCookie, Value: "tok", Path: "/"})
		fmt.Fprint(w, "login")
	})
	mux.HandleFunc("/maintenance", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "back soon")
	})
	mux.HandleFunc("/account/loginFirst", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "tok", r.PostForm.Get("csrf_superior_token"))
		if r.PostForm.Get("login_password") != "hunter2" {
			http.Redirect(w, r, "/account/individualLogin", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "dashboard")
	})
	mux.HandleFunc("/myaccount/readTanks", func(w http.ResponseWriter, r *http.Request) {
		f.pageCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "10", r.PostForm.Get("limit"))
		offset, _ := strconv.Atoi(r.PostForm.Get("offset"))
		assert.Equal(t, strconv.Itoa(offset+1), r.PostForm.Get("listIndex"))
		if offset == f.failOffset {
			http.Error(w, "oops", http.StatusInternalServerError)
			return
		}

		var page []map[string]any
		for i := offset; i < min(offset+caPageSize, f.tanks); i++ {
			page = append(page, caTankJSON(i))
		}
		data, _ := json.Marshal(page)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   len(page) > 0,
			"data":     string(data),
			"finished": offset+caPageSize >= f.tanks,
			"message":  "",
		})
	})
	mux.HandleFunc("/myaccount/getAllOrders", func(w http.ResponseWriter, r *http.Request) {
		n := f.orderCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "tok", r.PostForm.Get("csrf_superior_token"))
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		if n <= f.ordersFails {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, f.ordersHTML)
	})
	return mux
}

func newCATest(t *testing.T, f *fakeCAPortal, password string) *CAClient {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	region := domain.RegionCA
	region.MaxRequestRetries = 2
	c, err := NewCAClient(region, "me@example.com", password, Options{BaseURL: srv.URL, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	return c
}

func TestCAClient_Paginates(t *testing.T) {
	f := &fakeCAPortal{tanks: 12, failOffset: -1}
	c := newCATest(t, f, "hunter2")

	readings, err := c.FetchReadings(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 12)
	assert.Equal(t, int32(2), f.pageCalls.Load())

	r := readings[0]
	assert.Equal(t, "1000", r.TankID)
	assert.Equal(t, "Tank 0", r.Name)
	assert.Equal(t, "0 Rue Principale", r.Address)
	assert.Equal(t, "SN-0", r.SerialNumber)
	assert.True(t, r.OnDeliveryPlan)
	assert.False(t, readings[1].OnDeliveryPlan)
	require.NotNil(t, r.Capacity)
	assert.Equal(t, 1892.0, *r.Capacity)
	require.NotNil(t, r.LevelPercent)
	assert.Equal(t, 50.0, *r.LevelPercent)
	require.NotNil(t, r.Volume)
	assert.Equal(t, 946.0, *r.Volume)
	require.NotNil(t, r.LastDelivery)
	assert.Equal(t, "2025-11-30", r.LastDelivery.Format("2006-01-02"))
	require.NotNil(t, r.ReadingDate)
	assert.Equal(t, "2026-01-09", r.ReadingDate.Format("2006-01-02"))
}

func TestCAClient_ExactPageBoundary(t *testing.T) {
	f := &fakeCAPortal{tanks: 10, failOffset: -1}
	c := newCATest(t, f, "hunter2")

	readings, err := c.FetchReadings(context.Background())
	require.NoError(t, err)
	assert.Len(t, readings, 10)
}

func TestCAClient_BadCredentials(t *testing.T) {
	c := newCATest(t, &fakeCAPortal{tanks: 1, failOffset: -1}, "wrong")
	_, err := c.FetchReadings(context.Background())
	assert.True(t, domain.IsAuth(err), "got %v", err)
}

func TestCAClient_Maintenance(t *testing.T) {
	c := newCATest(t, &fakeCAPortal{maintenance: true, failOffset: -1}, "hunter2")
	_, err := c.FetchReadings(context.Background())
	assert.True(t, domain.IsMaintenance(err), "got %v", err)
}

func TestCAClient_PartialResultsOnLaterPageFailure(t *testing.T) {
	f := &fakeCAPortal{tanks: 15, failOffset: 10}
	c := newCATest(t, f, "hunter2")

	readings, err := c.FetchReadings(context.Background())
	require.NoError(t, err)
	assert.Len(t, readings, 10)
	assert.Equal(t, int32(3), f.pageCalls.Load(), "one page plus two attempts at the failing page")
}

func TestCAClient_FirstPageFailure(t *testing.T) {
	f := &fakeCAPortal{tanks: 5, failOffset: 0}
	c := newCATest(t, f, "hunter2")

	_, err := c.FetchReadings(context.Background())
	var te *domain.TransientError
	assert.ErrorAs(t, err, &te)
}

func TestCAClient_FetchOrders(t *testing.T) {
	f := &fakeCAPortal{tanks: 1, failOffset: -1, ordersHTML: caOrdersHTML}
	c := newCATest(t, f, "hunter2")

	_, err := c.FetchReadings(context.Background())
	require.NoError(t, err)
	totals, err := c.FetchOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.logins.Load(), "the readings session is reused")

	// Non-propane, unreadable and short rows are ignored; 512.7 L counts as 512.
	assert.Equal(t, 2, totals.Orders)
	assert.Equal(t, 1512.0, totals.Volume)
	assert.Equal(t, 1549.99, totals.Cost)
	require.NotNil(t, totals.AveragePrice)
	assert.Equal(t, 1.0251, *totals.AveragePrice)
}

func TestCAClient_FetchOrdersLogsInWithoutSession(t *testing.T) {
	f := &fakeCAPortal{failOffset: -1, ordersHTML: caOrdersHTML, ordersFails: 1}
	c := newCATest(t, f, "hunter2")

	totals, err := c.FetchOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.logins.Load())
	assert.Equal(t, int32(2), f.orderCalls.Load(), "one retry after the 503")
	assert.Equal(t, 2, totals.Orders)
}

func TestCAClient_FetchOrdersEmptyHistory(t *testing.T) {
	f := &fakeCAPortal{failOffset: -1, ordersHTML: `<div class="orders"></div>`}
	c := newCATest(t, f, "hunter2")

	totals, err := c.FetchOrders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, totals.Orders)
	assert.Zero(t, totals.Volume)
	assert.Nil(t, totals.AveragePrice)
}

func TestCAClient_FetchOrdersGivesUp(t *testing.T) {
	f := &fakeCAPortal{failOffset: -1, ordersHTML: caOrdersHTML, ordersFails: 10}
	c := newCATest(t, f, "hunter2")

	_, err := c.FetchOrders(context.Background())
	var te *domain.TransientError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, int32(2), f.orderCalls.Load())
}

func TestParseTankPage(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		more         bool
		wantLen      int
		wantFinished bool
		wantErr      bool
	}{
		{"numbers and strings", `{"status":true,"data":"[{\"adds_tank_id\":7,\"adds_fill\":12.5,\"adds_tank_size\":\"100\"}]","finished":true}`, false, 1, true, false},
		{"status as string", `{"status":"1","data":"[{\"adds_tank_id\":\"7\"}]"}`, false, 1, true, false},
		{"empty list ends", `{"status":true,"data":"[]"}`, false, 0, true, false},
		{"failed empty page after data", `{"status":false,"data":"[]"}`, true, 0, true, false},
		{"failed first page", `{"status":false,"data":"[]","message":"denied"}`, false, 0, false, true},
		{"bad envelope", `<html>`, false, 0, false, true},
		{"bad data", `{"status":true,"data":"[{"}`, false, 0, false, true},
		{"tank without id skipped", `{"status":true,"data":"[{\"adds_fill\":\"3\"}]"}`, false, 0, true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			readings, finished, err := parseTankPage([]byte(tc.body), tc.more)
			if tc.wantErr {
				var pe *domain.ParseError
				assert.ErrorAs(t, err, &pe)
				return
			}
			require.NoError(t, err)
			assert.Len(t, readings, tc.wantLen)
			assert.Equal(t, tc.wantFinished, finished)
		})
	}
}
