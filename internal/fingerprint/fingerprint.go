package fingerprint

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// User agents should track current stable browser releases; outdated
// versions are an easy bot signal.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:134.0) Gecko/20100101 Firefox/134.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36 Edg/134.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 18_3 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Mobile/15E148 Safari/604.1",
}

var acceptHeaders = []string{
	"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
	"text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.9,de;q=0.8",
	"en-GB,en;q=0.9,en-US;q=0.8",
	"de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7",
	"en-US,en;q=0.9,fr;q=0.8",
}

var secCHUA = []string{
	`"Chromium";v="134", "Google Chrome";v="134", "Not-A.Brand";v="8"`,
	`"Chromium";v="133", "Google Chrome";v="133", "Not-A.Brand";v="8"`,
	`"Chromium";v="134", "Microsoft Edge";v="134", "Not-A.Brand";v="8"`,
}

var platforms = []string{`"Windows"`, `"macOS"`, `"Linux"`}

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func pick(values []string) string {
	rndMu.Lock()
	defer rndMu.Unlock()
	return values[rnd.Intn(len(values))]
}

func intBetween(min, max int) int {
	rndMu.Lock()
	defer rndMu.Unlock()
	return min + rnd.Intn(max-min+1)
}

func floatBetween(min, max float64) float64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	return min + rnd.Float64()*(max-min)
}

func UserAgent() string {
	return pick(userAgents)
}

// Headers builds a fresh header set. Each header is drawn independently,
// and the Sec-CH-UA client hints are only sent for Chrome-family agents.
func Headers() http.Header {
	ua := UserAgent()

	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept", pick(acceptHeaders))
	h.Set("Accept-Language", pick(acceptLanguages))
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("DNT", "1")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Cache-Control", "max-age=0")

	if strings.Contains(ua, "Chrome") {
		h.Set("Sec-CH-UA", pick(secCHUA))
		h.Set("Sec-CH-UA-Mobile", "?0")
		h.Set("Sec-CH-UA-Platform", pick(platforms))
	}

	return h
}

// Viewports used for the browser window size at launch.
var Viewports = [][2]int{
	{1920, 1080},
	{1366, 768},
	{1440, 900},
	{1536, 864},
	{1280, 720},
	{1600, 900},
	{2560, 1440},
}

// LocaleZone pairs a browser locale with a matching timezone.
type LocaleZone struct {
	Locale   string
	Timezone string
}

var LocaleZones = []LocaleZone{
	{"de-DE", "Europe/Berlin"},
	{"de-AT", "Europe/Vienna"},
	{"de-CH", "Europe/Zurich"},
	{"en-GB", "Europe/London"},
	{"en-US", "America/New_York"},
}

var ColorSchemes = []string{"light", "dark", "no-preference"}

// Region bounds geolocation sampling.
type Region struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Germany is the default target region.
var Germany = Region{MinLat: 47, MaxLat: 55, MinLon: 6, MaxLon: 15}

// Profile is the per-page browser fingerprint.
type Profile struct {
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	Timezone       string
	Latitude       float64
	Longitude      float64
	ColorScheme    string
	// Languages is navigator.languages, derived from Locale.
	Languages      []string
	AcceptLanguage string
}

func RandomProfile(region Region) Profile {
	lz := LocaleZones[intBetween(0, len(LocaleZones)-1)]
	langs := Languages(lz.Locale)
	return Profile{
		UserAgent:      UserAgent(),
		ViewportWidth:  intBetween(1200, 1920),
		ViewportHeight: intBetween(800, 1080),
		Locale:         lz.Locale,
		Timezone:       lz.Timezone,
		Latitude:       round4(floatBetween(region.MinLat, region.MaxLat)),
		Longitude:      round4(floatBetween(region.MinLon, region.MaxLon)),
		ColorScheme:    pick(ColorSchemes),
		Languages:      langs,
		AcceptLanguage: AcceptLanguage(langs),
	}
}

// Languages expands a locale into a navigator.languages list: the locale,
// its base language, then English as the usual fallback.
func Languages(locale string) []string {
	var langs []string
	add := func(tag string) {
		if tag == "" {
			return
		}
		for _, l := range langs {
			if strings.EqualFold(l, tag) {
				return
			}
		}
		langs = append(langs, tag)
	}

	add(locale)
	if base, _, ok := strings.Cut(locale, "-"); ok {
		add(base)
	}
	add("en-US")
	add("en")
	return langs
}

// AcceptLanguage renders langs as an Accept-Language value with descending
// q weights.
func AcceptLanguage(langs []string) string {
	parts := make([]string, 0, len(langs))
	for i, l := range langs {
		if i == 0 {
			parts = append(parts, l)
			continue
		}
		q := max(10-i, 1)
		parts = append(parts, fmt.Sprintf("%s;q=0.%d", l, q))
	}
	return strings.Join(parts, ",")
}

// WindowSize picks a launch window size from Viewports.
func WindowSize() (int, int) {
	v := Viewports[intBetween(0, len(Viewports)-1)]
	return v[0], v[1]
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
