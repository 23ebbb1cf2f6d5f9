package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinnhubFetchHistorical(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/candle", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "AAPL", q.Get("symbol"))
		assert.Equal(t, "D", q.Get("resolution"))
		assert.Equal(t, "secret", q.Get("token"))
		assert.Equal(t, "1709251200", q.Get("to"))
		assert.Equal(t, "1708992000", q.Get("from"))
		_, _ = w.Write([]byte(`{"c":[180.75,182.63],"h":[181.8,183.12],"l":[179.3,180.11],"o":[180.1,181.0],"s":"ok","t":[1709078400,1709164800],"v":[52000000,54000000]}`))
	}))
	defer srv.Close()

	fh := NewFinnhub(FinnhubOptions{Token: "secret", BaseURL: srv.URL}, noopLogger())
	fh.now = func() time.Time { return time.Unix(1709251200, 0) }

	points, err := fh.FetchHistorical(context.Background(), aapl, 3)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "182.63", points[1].Close.String())
	assert.EqualValues(t, 54000000, points[1].Volume)
	assert.Equal(t, FinnhubName, points[0].Source)
}

func TestFinnhubNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"s":"no_data"}`))
	}))
	defer srv.Close()

	fh := NewFinnhub(FinnhubOptions{Token: "secret", BaseURL: srv.URL}, noopLogger())
	_, err := fh.FetchHistorical(context.Background(), aapl, 3)
	assert.True(t, IsKind(err, KindEmptyResult))
	assert.False(t, retryable(err))
}

func TestFinnhubMismatchedArrays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"c":[1,2],"h":[1],"l":[1,2],"o":[1,2],"s":"ok","t":[1,2],"v":[1,2]}`))
	}))
	defer srv.Close()

	fh := NewFinnhub(FinnhubOptions{Token: "secret", BaseURL: srv.URL}, noopLogger())
	_, err := fh.FetchHistorical(context.Background(), aapl, 3)
	assert.True(t, IsKind(err, KindUpstream))
}

func TestFinnhubFetchLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		_, _ = w.Write([]byte(`{"c":182.63,"h":183.12,"l":180.11,"o":181,"pc":180.75,"t":1709164800}`))
	}))
	defer srv.Close()

	fh := NewFinnhub(FinnhubOptions{Token: "secret", BaseURL: srv.URL}, noopLogger())
	point, err := fh.FetchLatest(context.Background(), aapl)
	require.NoError(t, err)
	assert.Equal(t, "182.63", point.Close.String())
	assert.Equal(t, int64(1709164800), point.Timestamp.Unix())
}

func TestFinnhubUnconfigured(t *testing.T) {
	fh := NewFinnhub(FinnhubOptions{}, noopLogger())
	_, err := fh.FetchLatest(context.Background(), aapl)
	assert.True(t, IsKind(err, KindUnconfigured))
}
