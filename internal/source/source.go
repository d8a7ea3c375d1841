package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"

	"github.com/maltedev/stealth-crawler/internal/crawl"
)

var (
	ErrInvalidDefinition = errors.New("invalid source definition")
	ErrSourceNotFound    = errors.New("source not found")
)

const pagePlaceholder = "{page}"

// Definition describes one target site. Selector logic lives here rather
// than in code.
type Definition struct {
	Name  string   `yaml:"name" json:"name"`
	Seeds []string `yaml:"seeds" json:"seeds"`
	// Pages expands a {page} placeholder in seeds to 1..Pages.
	Pages int `yaml:"pages,omitempty" json:"pages,omitempty"`

	Listing ListingRules `yaml:"listing" json:"listing"`
	Item    ItemRules    `yaml:"item" json:"item"`

	Transport     string        `yaml:"transport,omitempty" json:"transport,omitempty"`
	WaitSelector  string        `yaml:"wait_selector,omitempty" json:"wait_selector,omitempty"`
	MaxConcurrent int           `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
	DelayMin      time.Duration `yaml:"delay_min,omitempty" json:"delay_min,omitempty"`
	DelayMax      time.Duration `yaml:"delay_max,omitempty" json:"delay_max,omitempty"`
}

type ListingRules struct {
	LinkSelector  string `yaml:"link_selector" json:"link_selector"`
	BaseURL       string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	AllowExternal bool   `yaml:"allow_external,omitempty" json:"allow_external,omitempty"`
}

type ItemRules struct {
	Fields   map[string]FieldRule `yaml:"fields" json:"fields"`
	Required []string             `yaml:"required,omitempty" json:"required,omitempty"`
}

// FieldRule extracts the text of the first match, or an attribute when Attr
// is set.
type FieldRule struct {
	Selector string `yaml:"selector" json:"selector"`
	Attr     string `yaml:"attr,omitempty" json:"attr,omitempty"`
}

func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.Seeds) == 0 {
		return fmt.Errorf("%w: %s: at least one seed is required", ErrInvalidDefinition, d.Name)
	}
	for _, seed := range d.Seeds {
		u, err := url.Parse(strings.ReplaceAll(seed, pagePlaceholder, "1"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s: seed %q is not an absolute url", ErrInvalidDefinition, d.Name, seed)
		}
	}
	if d.Listing.LinkSelector == "" {
		return fmt.Errorf("%w: %s: listing.link_selector is required", ErrInvalidDefinition, d.Name)
	}
	if len(d.Item.Fields) == 0 {
		return fmt.Errorf("%w: %s: item.fields is empty", ErrInvalidDefinition, d.Name)
	}
	for _, name := range d.Item.Required {
		if _, ok := d.Item.Fields[name]; !ok {
			return fmt.Errorf("%w: %s: required field %q has no rule", ErrInvalidDefinition, d.Name, name)
		}
	}
	if d.DelayMin > d.DelayMax && d.DelayMax > 0 {
		return fmt.Errorf("%w: %s: delay_min exceeds delay_max", ErrInvalidDefinition, d.Name)
	}
	switch d.Transport {
	case "", crawl.TransportHTTP, crawl.TransportBrowser:
	default:
		return fmt.Errorf("%w: %s: unknown transport %q", ErrInvalidDefinition, d.Name, d.Transport)
	}
	return nil
}

type file struct {
	Sources []Definition `yaml:"sources"`
}

// LoadDefinitions reads and validates a YAML source file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	return ParseDefinitions(data)
}

func ParseDefinitions(data []byte) ([]Definition, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse source file: %w", err)
	}

	seen := make(map[string]bool, len(f.Sources))
	for i := range f.Sources {
		d := &f.Sources[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: duplicate source name %q", ErrInvalidDefinition, d.Name)
		}
		seen[d.Name] = true
	}
	return f.Sources, nil
}

// Find returns the definition with the given name.
func Find(defs []Definition, name string) (Definition, error) {
	for _, d := range defs {
		if d.Name == name {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
}

// SelectorSource implements crawl.Source from a Definition.
type SelectorSource struct {
	def Definition
}

func NewSelectorSource(def Definition) (*SelectorSource, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &SelectorSource{def: def}, nil
}

func (s *SelectorSource) Name() string { return s.def.Name }

func (s *SelectorSource) Definition() Definition { return s.def }

func (s *SelectorSource) SeedURLs(ctx context.Context) ([]string, error) {
	var seeds []string
	for _, seed := range s.def.Seeds {
		if !strings.Contains(seed, pagePlaceholder) {
			seeds = append(seeds, seed)
			continue
		}
		pages := max(s.def.Pages, 1)
		for p := 1; p <= pages; p++ {
			seeds = append(seeds, strings.ReplaceAll(seed, pagePlaceholder, strconv.Itoa(p)))
		}
	}
	return seeds, ctx.Err()
}

// ParseListing returns absolute item links in document order. Links to
// other hosts are dropped unless the definition allows them.
func (s *SelectorSource) ParseListing(content, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base, err := s.baseURL(pageURL)
	if err != nil {
		return nil, err
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find(s.def.Listing.LinkSelector).Each(func(i int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if !s.def.Listing.AllowExternal && abs.Host != base.Host {
			return
		}
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links, nil
}

func (s *SelectorSource) baseURL(pageURL string) (*url.URL, error) {
	raw := pageURL
	if s.def.Listing.BaseURL != "" {
		raw = s.def.Listing.BaseURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	return base, nil
}

// ParseItem extracts the configured fields. It returns nil when a required
// field is empty, which the orchestrator treats as "no item".
func (s *SelectorSource) ParseItem(content, pageURL string) (crawl.Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	item := crawl.Item{"url": pageURL}
	for name, rule := range s.def.Item.Fields {
		if v := extract(doc, rule); v != "" {
			item[name] = v
		}
	}

	for _, name := range s.def.Item.Required {
		if item[name] == "" {
			return nil, nil
		}
	}
	return item, nil
}

func extract(doc *goquery.Document, rule FieldRule) string {
	sel := doc.Find(rule.Selector).First()
	if sel.Length() == 0 {
		return ""
	}
	if rule.Attr != "" {
		v, _ := sel.Attr(rule.Attr)
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}
