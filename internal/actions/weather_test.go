package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeMeteo struct {
	mu       sync.Mutex
	geocodes []string
	queries  []map[string]string
}

func (f *fakeMeteo) serve(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		f.mu.Lock()
		f.geocodes = append(f.geocodes, name+"|"+r.URL.Query().Get("language"))
		f.mu.Unlock()
		if name != "Berlin" {
			w.Write([]byte(`{"generationtime_ms":0.5}`))
			return
		}
		w.Write([]byte(`{"results":[{"name":"Berlin","latitude":52.52,"longitude":13.41}]}`))
	})
	mux.HandleFunc("/v1/forecast", func(w http.ResponseWriter, r *http.Request) {
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		f.mu.Lock()
		f.queries = append(f.queries, q)
		f.mu.Unlock()
		if q["latitude"] == "0" {
			http.Error(w, "latitude out of range", http.StatusBadRequest)
			return
		}
		if q["current_weather"] == "true" {
			w.Write([]byte(`{"current_weather":{"temperature":21.5,"windspeed":7.2,"winddirection":180,"weathercode":3,"time":"2026-10-18T12:00"}}`))
			return
		}
		w.Write([]byte(`{"daily":{
			"time":["2026-10-18","2026-10-19","2026-10-20","2026-10-21"],
			"temperature_2m_max":[15,16,17,18],
			"temperature_2m_min":[5,6,7,8],
			"weathercode":[0,1,2,3]}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeMeteo) lastQuery() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func newTestWeather(t *testing.T, home string) (*Weather, *fakeMeteo) {
	t.Helper()
	meteo := &fakeMeteo{}
	srv := meteo.serve(t)
	return NewWeather(WeatherOptions{
		GeocodingURL: srv.URL + "/v1/search",
		ForecastURL:  srv.URL + "/v1/forecast",
		Language:     "de",
		Home:         home,
		Client:       srv.Client(),
	}), meteo
}

func TestWeatherCurrentForCity(t *testing.T) {
	w, meteo := newTestWeather(t, "")
	got, err := w.getWeather(context.Background(), Args{"city": "Berlin", "when": "now"})
	if err != nil {
		t.Fatalf("get_weather: %v", err)
	}
	current, ok := got.(CurrentWeather)
	if !ok || current.Temperature != 21.5 || current.WeatherCode != 3 {
		t.Fatalf("unexpected result %#v", got)
	}
	if len(meteo.geocodes) != 1 || meteo.geocodes[0] != "Berlin|de" {
		t.Fatalf("unexpected geocode calls %v", meteo.geocodes)
	}
	q := meteo.lastQuery()
	if q["latitude"] != "52.52" || q["longitude"] != "13.41" {
		t.Fatalf("expected geocoded coordinates, got %v", q)
	}

	encoded, _ := json.Marshal(got)
	if !strings.Contains(string(encoded), `"temperature":21.5`) {
		t.Fatalf("unexpected encoding %s", encoded)
	}
}

func TestWeatherForecastStartsTomorrow(t *testing.T) {
	w, meteo := newTestWeather(t, "")
	got, err := w.getWeather(context.Background(), Args{"city": "Berlin", "when": "in 2 days"})
	if err != nil {
		t.Fatalf("get_weather: %v", err)
	}
	forecast, ok := got.(Forecast)
	if !ok {
		t.Fatalf("expected a forecast, got %#v", got)
	}
	if len(forecast.Days) != 2 || forecast.Days[0].Date != "2026-10-19" || forecast.Days[1].TMax != 17 {
		t.Fatalf("unexpected forecast %+v", forecast.Days)
	}
	q := meteo.lastQuery()
	if q["forecast_days"] != "3" || q["timezone"] != "auto" || !strings.Contains(q["daily"], "weathercode") {
		t.Fatalf("unexpected forecast query %v", q)
	}

	// More days than the service returned are truncated to what is there.
	got, err = w.getWeather(context.Background(), Args{"city": "Berlin", "when": "week"})
	if err != nil {
		t.Fatalf("get_weather: %v", err)
	}
	if days := got.(Forecast).Days; len(days) != 3 {
		t.Fatalf("expected 3 available days, got %+v", days)
	}
}

func TestWeatherLocalUsesHome(t *testing.T) {
	w, meteo := newTestWeather(t, "48.85, 2.35")
	got, err := w.getLocalWeather(context.Background(), Args{"when": nil})
	if err != nil {
		t.Fatalf("get_local_weather: %v", err)
	}
	if _, ok := got.(CurrentWeather); !ok {
		t.Fatalf("expected current weather, got %#v", got)
	}
	if len(meteo.geocodes) != 0 {
		t.Fatalf("coordinates must not be geocoded, got %v", meteo.geocodes)
	}
	if q := meteo.lastQuery(); q["latitude"] != "48.85" || q["longitude"] != "2.35" {
		t.Fatalf("unexpected query %v", q)
	}

	// get_weather without a city falls back to the home location.
	if _, err := w.getWeather(context.Background(), Args{"city": " "}); err != nil {
		t.Fatalf("get_weather without city: %v", err)
	}

	unset, _ := newTestWeather(t, "")
	if _, err := unset.getLocalWeather(context.Background(), Args{}); err == nil || !strings.Contains(err.Error(), "home") {
		t.Fatalf("expected missing home error, got %v", err)
	}
}

func TestWeatherDegrees(t *testing.T) {
	w, _ := newTestWeather(t, "")
	got, err := w.getDegrees(context.Background(), Args{"city": "Berlin"})
	if err != nil {
		t.Fatalf("get_degrees: %v", err)
	}
	if got != 21.5 {
		t.Fatalf("expected 21.5, got %v", got)
	}
}

func TestWeatherErrors(t *testing.T) {
	w, _ := newTestWeather(t, "")
	if _, err := w.getWeather(context.Background(), Args{"city": "Atlantis"}); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	_, err := w.getWeather(context.Background(), Args{"city": "0,0"})
	if err == nil || !strings.Contains(err.Error(), "latitude out of range") {
		t.Fatalf("expected service error detail, got %v", err)
	}
}

func TestWeatherRegister(t *testing.T) {
	reg := NewRegistry()
	if err := NewWeather(WeatherOptions{}).Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, name := range []string{"get_weather", "get_local_weather", "get_degrees"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("%s not registered", name)
		}
	}
}

func TestResolveWeatherDays(t *testing.T) {
	cases := []struct {
		when any
		want int
	}{
		{nil, 0},
		{true, 0},
		{float64(3), 3},
		{5, 5},
		{"", 0},
		{"Now", 0},
		{"сегодня", 0},
		{"tomorrow", 1},
		{"завтра", 1},
		{"day after tomorrow", 2},
		{"послезавтра", 2},
		{"next week", 7},
		{"на неделю", 7},
		{"10", 10},
		{"in 4 days", 4},
		{"через пять дней", 5},
		{"на двенадцать дней", 12},
		{"in three days", 3},
		{"sometime", 0},
	}
	for _, tc := range cases {
		if got := resolveWeatherDays(tc.when); got != tc.want {
			t.Errorf("resolveWeatherDays(%#v) = %d, want %d", tc.when, got, tc.want)
		}
	}
}
