package weather_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/mcpagent/tools/weather"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenMeteo(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("count"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("name") {
		case "Paris":
			_, _ = w.Write([]byte(`{"results":[{"name":"Paris","latitude":48.85341,"longitude":2.3488}]}`))
		case "Atlantis":
			_, _ = w.Write([]byte(`{"generationtime_ms":0.5}`))
		case "Nowhere":
			_, _ = w.Write([]byte(`{"results":[{"name":"Nowhere","latitude":0,"longitude":0}]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":true,"reason":"bad name"}`))
		}
	})
	mux.HandleFunc("GET /v1/forecast", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("current_weather"))
		w.Header().Set("Content-Type", "application/json")
		if q.Get("latitude") == "0.0" {
			_, _ = w.Write([]byte(`{"latitude":0,"longitude":0}`))
			return
		}
		assert.Equal(t, "48.85341", q.Get("latitude"))
		assert.Equal(t, "2.3488", q.Get("longitude"))
		_, _ = w.Write([]byte(`{"current_weather":{"temperature":21,"windspeed":11.5,"winddirection":270}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newProvider(t *testing.T) *weather.Provider {
	srv := newOpenMeteo(t)
	return weather.New(
		weather.WithGeocodingURL(srv.URL+"/v1/search"),
		weather.WithForecastURL(srv.URL+"/v1/forecast"),
		weather.WithHTTPClient(srv.Client()),
	)
}

func TestGetWeather(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)

	tcases := []struct {
		location string
		exp      string
		err      string
	}{
		{location: "Paris", exp: "Current temperature in Paris is 21.0°C with windspeed 11.5 km/h."},
		{location: "Atlantis", exp: "Could not find location: Atlantis"},
		{location: "Nowhere", exp: "Could not fetch weather data for Nowhere"},
		{location: "??", err: `failed to geocode ??: unexpected status 400: {"error":true,"reason":"bad name"}`},
	}
	for _, tc := range tcases {
		t.Run(tc.location, func(t *testing.T) {
			res, err := p.GetWeather(ctx, weather.Request{Location: tc.location})
			if tc.err != "" {
				assert.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{tc.exp}, res.Texts())
		})
	}
}

func TestWeatherServer(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	assert.Equal(t, weather.ServerName, p.ServerName())

	srv, err := tools.NewServer(ctx, p, httptransport.NewHTTPTransport("/mcp"))
	require.NoError(t, err)
	assert.Equal(t, []string{"get_weather"}, srv.ToolNames())

	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	client := mcp.NewClient(httptransport.NewClientTransport(hs.URL + "/mcp"))
	_, err = client.Initialize(ctx)
	require.NoError(t, err)
	defer client.Close()

	list, err := client.ListAllTools(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "get_weather", list[0].Name)
	assert.Contains(t, string(list[0].InputSchema), `"location"`)

	res, err := client.CallTool(ctx, "get_weather", map[string]any{"location": "Paris"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"Current temperature in Paris is 21.0°C with windspeed 11.5 km/h."}, res.Texts())

	res, err = client.CallTool(ctx, "get_weather", map[string]any{"location": "??"})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	// location is required
	_, err = client.CallTool(ctx, "get_weather", map[string]any{})
	assert.Error(t, err)
}
