package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	DefaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	DefaultForecastURL  = "https://api.open-meteo.com/v1/forecast"

	maxForecastDays = 14
)

// WeatherOptions configures the Open-Meteo backed weather actions. Home is
// the location used by get_local_weather, either "lat,lon" or a place name.
type WeatherOptions struct {
	GeocodingURL string
	ForecastURL  string
	Language     string
	Home         string
	Client       *http.Client
}

// Weather answers current conditions and daily forecasts for a place.
type Weather struct {
	client      *http.Client
	geocodeURL  string
	forecastURL string
	language    string
	home        string
}

func NewWeather(opts WeatherOptions) *Weather {
	w := &Weather{
		client:      opts.Client,
		geocodeURL:  opts.GeocodingURL,
		forecastURL: opts.ForecastURL,
		language:    opts.Language,
		home:        strings.TrimSpace(opts.Home),
	}
	if w.client == nil {
		w.client = http.DefaultClient
	}
	if w.geocodeURL == "" {
		w.geocodeURL = DefaultGeocodingURL
	}
	if w.forecastURL == "" {
		w.forecastURL = DefaultForecastURL
	}
	if w.language == "" {
		w.language = "en"
	}
	return w
}

// Register adds get_weather, get_local_weather and get_degrees.
func (w *Weather) Register(reg *Registry) error {
	for name, h := range map[string]Handler{
		"get_weather":       w.getWeather,
		"get_local_weather": w.getLocalWeather,
		"get_degrees":       w.getDegrees,
	} {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// CurrentWeather mirrors Open-Meteo's current_weather block.
type CurrentWeather struct {
	Temperature   float64 `json:"temperature"`
	WindSpeed     float64 `json:"windspeed"`
	WindDirection float64 `json:"winddirection"`
	WeatherCode   int     `json:"weathercode"`
	Time          string  `json:"time"`
}

type DailyForecast struct {
	Date string  `json:"date"`
	TMax float64 `json:"t_max"`
	TMin float64 `json:"t_min"`
	Code int     `json:"code"`
}

type Forecast struct {
	Days []DailyForecast `json:"forecast"`
}

type coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (w *Weather) getWeather(ctx context.Context, args Args) (any, error) {
	city, _ := args["city"].(string)
	if strings.TrimSpace(city) == "" {
		return w.getLocalWeather(ctx, args)
	}
	return w.report(ctx, city, args["when"])
}

func (w *Weather) getLocalWeather(ctx context.Context, args Args) (any, error) {
	if w.home == "" {
		return nil, errors.New("home location not configured (actions.weather.home)")
	}
	return w.report(ctx, w.home, args["when"])
}

func (w *Weather) getDegrees(ctx context.Context, args Args) (any, error) {
	place, _ := args["city"].(string)
	if strings.TrimSpace(place) == "" {
		if w.home == "" {
			return nil, errors.New("home location not configured (actions.weather.home)")
		}
		place = w.home
	}
	at, err := w.locate(ctx, place)
	if err != nil {
		return nil, err
	}
	current, err := w.current(ctx, at)
	if err != nil {
		return nil, err
	}
	return current.Temperature, nil
}

// report returns current conditions when when resolves to today, otherwise
// the daily forecast for the following days.
func (w *Weather) report(ctx context.Context, place string, when any) (any, error) {
	at, err := w.locate(ctx, place)
	if err != nil {
		return nil, err
	}
	days := resolveWeatherDays(when)
	if days <= 0 {
		return w.current(ctx, at)
	}
	return w.forecast(ctx, at, min(days, maxForecastDays))
}

func (w *Weather) locate(ctx context.Context, place string) (coordinates, error) {
	if at, ok := parseCoordinates(place); ok {
		return at, nil
	}
	var found struct {
		Results []coordinates `json:"results"`
	}
	err := w.get(ctx, w.geocodeURL, url.Values{
		"name":     {place},
		"count":    {"1"},
		"language": {w.language},
	}, &found)
	if err != nil {
		return coordinates{}, fmt.Errorf("geocode %q: %w", place, err)
	}
	if len(found.Results) == 0 {
		return coordinates{}, fmt.Errorf("place %q not found", place)
	}
	return found.Results[0], nil
}

func (w *Weather) current(ctx context.Context, at coordinates) (CurrentWeather, error) {
	var resp struct {
		Current *CurrentWeather `json:"current_weather"`
	}
	if err := w.get(ctx, w.forecastURL, at.query(url.Values{"current_weather": {"true"}}), &resp); err != nil {
		return CurrentWeather{}, fmt.Errorf("current weather: %w", err)
	}
	if resp.Current == nil {
		return CurrentWeather{}, errors.New("current weather missing from response")
	}
	return *resp.Current, nil
}

// forecast returns the days after today, up to days of them.
func (w *Weather) forecast(ctx context.Context, at coordinates, days int) (Forecast, error) {
	var resp struct {
		Daily struct {
			Time []string  `json:"time"`
			TMax []float64 `json:"temperature_2m_max"`
			TMin []float64 `json:"temperature_2m_min"`
			Code []int     `json:"weathercode"`
		} `json:"daily"`
	}
	err := w.get(ctx, w.forecastURL, at.query(url.Values{
		"daily":         {"temperature_2m_max,temperature_2m_min,weathercode"},
		"timezone":      {"auto"},
		"forecast_days": {strconv.Itoa(days + 1)},
	}), &resp)
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast: %w", err)
	}
	d := resp.Daily
	n := min(len(d.Time), len(d.TMax), len(d.TMin), len(d.Code), days+1)
	if n < 2 {
		return Forecast{}, errors.New("forecast missing from response")
	}
	out := Forecast{Days: make([]DailyForecast, 0, n-1)}
	for i := 1; i < n; i++ {
		out.Days = append(out.Days, DailyForecast{Date: d.Time[i], TMax: d.TMax[i], TMin: d.TMin[i], Code: d.Code[i]})
	}
	return out, nil
}

func (w *Weather) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("open-meteo returned %s: %s", resp.Status, bytes.TrimSpace(detail))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c coordinates) query(params url.Values) url.Values {
	params.Set("latitude", strconv.FormatFloat(c.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(c.Longitude, 'f', -1, 64))
	return params
}

// parseCoordinates accepts "lat,lon".
func parseCoordinates(place string) (coordinates, bool) {
	latText, lonText, ok := strings.Cut(place, ",")
	if !ok {
		return coordinates{}, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latText), 64)
	if err != nil || lat < -90 || lat > 90 {
		return coordinates{}, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonText), 64)
	if err != nil || lon < -180 || lon > 180 {
		return coordinates{}, false
	}
	return coordinates{Latitude: lat, Longitude: lon}, true
}

var digitsRe = regexp.MustCompile(`\d+`)

// Russian number stems are matched as substrings, longest first, so that
// inflected forms ("пять", "пяти") resolve too.
var russianDays = []struct {
	stem string
	days int
}{
	{"четырнадц", 14}, {"тринадц", 13}, {"двенадц", 12}, {"одиннадц", 11},
	{"десят", 10}, {"девят", 9}, {"восем", 8}, {"сем", 7}, {"шест", 6},
	{"пят", 5}, {"четыр", 4}, {"три", 3}, {"две", 2}, {"два", 2},
	{"одну", 1}, {"один", 1},
}

var englishDays = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	"thirteen": 13, "fourteen": 14,
}

// resolveWeatherDays turns the classifier's "when" into days from today:
// 0 for now, 1 for tomorrow and so on. Unrecognised values mean now.
func resolveWeatherDays(when any) int {
	switch v := when.(type) {
	case nil, bool:
		return 0
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}

	w := strings.ToLower(strings.TrimSpace(fmt.Sprint(when)))
	switch w {
	case "", "current", "now", "сейчас", "today", "сегодня", "0":
		return 0
	case "tomorrow", "завтра", "1":
		return 1
	case "послезавтра", "day after tomorrow", "2":
		return 2
	}
	if strings.Contains(w, "недел") || strings.Contains(w, "week") {
		return 7
	}
	if m := digitsRe.FindString(w); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			return n
		}
	}
	for _, r := range russianDays {
		if strings.Contains(w, r.stem) {
			return r.days
		}
	}
	for _, word := range strings.FieldsFunc(w, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if n, ok := englishDays[word]; ok {
			return n
		}
	}
	return 0
}
