package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstausch/openrelay/internal/pool"
	"github.com/mstausch/openrelay/internal/stats"
)

type fixedCounter struct{ n int64 }

func (f fixedCounter) ActiveConnections() int64 { return f.n }

func TestDashboard_StatusJSONReflectsState(t *testing.T) {
	p := pool.New(nil)
	d := New(p, fixedCounter{n: 3}, stats.NewDummyCollector())

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var data Data
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, int64(0), data.PooledConnections)
	assert.Equal(t, int64(3), data.ActiveConnections)
	assert.True(t, data.CollectorHealthy)
}

func TestDashboard_HTMLPageRenders(t *testing.T) {
	p := pool.New(nil)
	d := New(p, fixedCounter{n: 0}, stats.NewDummyCollector())

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDashboard_NilConnectionCounter(t *testing.T) {
	p := pool.New(nil)
	d := New(p, nil, stats.NewDummyCollector())
	assert.Equal(t, int64(0), d.snapshot().ActiveConnections)
}
