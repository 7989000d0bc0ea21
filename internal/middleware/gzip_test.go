package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/milheiro-ledger/internal/metrics"
	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

const saleBody = `{"customerId":7,"clientId":42,"program":"latam","points":20000,"passengers":10,` +
	`"pricePerThousandCents":2000,"embarqueFeeCents":1500,"locator":"ab12cd"}`

type saleEcho struct {
	CustomerID int64  `json:"customerId"`
	Program    string `json:"program"`
	Points     int64  `json:"points"`
	Passengers int    `json:"passengers"`
	Locator    string `json:"locator"`
}

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func gunzip(t *testing.T, r io.Reader) []byte {
	t.Helper()
	gr, err := gzip.NewReader(r)
	require.NoError(t, err)
	defer gr.Close()
	body, err := io.ReadAll(gr)
	require.NoError(t, err)
	return body
}

// ledgerErrorHandler отвечает так же, как HTTP-слой реестра на доменную ошибку.
func ledgerErrorHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":   string(model.KindInsufficientBalance),
		"reason": "insufficient balance: LATAM has 1000, sale needs 20000",
	})
}

func TestGzipMiddleware_ErrorBody(t *testing.T) {
	tests := []struct {
		name           string
		acceptEncoding string
		compressed     bool
	}{
		{name: "client accepts gzip", acceptEncoding: "gzip, deflate", compressed: true},
		{name: "client does not accept gzip", acceptEncoding: "", compressed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sales", strings.NewReader(saleBody))
			req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			w := httptest.NewRecorder()

			GzipMiddleware(http.HandlerFunc(ledgerErrorHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			assert.Equal(t, http.StatusPaymentRequired, res.StatusCode)
			assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

			var body []byte
			if tt.compressed {
				assert.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
				assert.Equal(t, "Accept-Encoding", res.Header.Get("Vary"))
				body = gunzip(t, res.Body)
			} else {
				assert.Empty(t, res.Header.Get("Content-Encoding"))
				var err error
				body, err = io.ReadAll(res.Body)
				require.NoError(t, err)
			}

			var got map[string]string
			require.NoError(t, json.Unmarshal(body, &got))
			assert.Equal(t, "InsufficientBalance", got["kind"])
			assert.Contains(t, got["reason"], "LATAM")
		})
	}
}

func TestGzipMiddleware_CompressedSaleRequest(t *testing.T) {
	var seen saleEcho
	var seenEncoding string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenEncoding = r.Header.Get("Content-Encoding")
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"saleNumber":"VD-000001","balance":30000}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/sales", gzipBytes(t, saleBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()

	GzipMiddleware(next).ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Empty(t, seenEncoding)
	assert.Equal(t, saleEcho{CustomerID: 7, Program: "latam", Points: 20000, Passengers: 10, Locator: "ab12cd"}, seen)

	require.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
	assert.JSONEq(t, `{"saleNumber":"VD-000001","balance":30000}`, string(gunzip(t, res.Body)))
}

func TestGzipMiddleware_BrokenRequestBody(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodPost, "/api/sales", strings.NewReader(saleBody))
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()

	GzipMiddleware(next).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, called)
}

func TestGzipMiddleware_MetricsExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveSaleCreated(model.ProgramLatam)

	t.Run("text exposition passes through", func(t *testing.T) {
		h := GzipMiddleware(promhttp.HandlerFor(reg, promhttp.HandlerOpts{DisableCompression: true}))
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()

		h.ServeHTTP(w, req)

		res := w.Result()
		defer res.Body.Close()

		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain"))
		assert.Empty(t, res.Header.Get("Content-Encoding"))
		assert.Empty(t, res.Header.Get("Vary"))

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `ledger_sales_created_total{program="LATAM"} 1`)
	})

	t.Run("already compressed response is not compressed twice", func(t *testing.T) {
		h := GzipMiddleware(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()

		h.ServeHTTP(w, req)

		res := w.Result()
		defer res.Body.Close()

		require.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
		assert.Contains(t, string(gunzip(t, res.Body)), `ledger_sales_created_total{program="LATAM"} 1`)
	})
}
