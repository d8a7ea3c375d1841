package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
sources:
  - name: demo-shop
    seeds:
      - https://shop.example/category/shoes?page={page}
      - https://shop.example/category/boots
    pages: 2
    transport: browser
    wait_selector: "#productTitle"
    max_concurrent: 2
    delay_min: 2s
    delay_max: 6s
    listing:
      link_selector: "a.product-link"
    item:
      fields:
        title:
          selector: "#productTitle"
        price:
          selector: ".price"
        image:
          selector: "img.main"
          attr: src
      required: [title]
`

const listingHTML = `<html><body>
<a class="product-link" href="/p/1">One</a>
<a class="product-link" href="/p/2#reviews">Two</a>
<a class="product-link" href="https://shop.example/p/1">One again</a>
<a class="product-link" href="https://other.example/p/9">Elsewhere</a>
<a class="product-link" href="javascript:void(0)">Script</a>
<a class="product-link" href="mailto:sales@shop.example">Mail</a>
<a class="nav" href="/about">About</a>
</body></html>`

const itemHTML = `<html><body>
<h1 id="productTitle">
   Trail   Runner
</h1>
<span class="price">89,99 €</span>
<img class="main" src="https://cdn.shop.example/1.jpg">
</body></html>`

func loadDemo(t *testing.T) *SelectorSource {
	t.Helper()
	defs, err := ParseDefinitions([]byte(testYAML))
	require.NoError(t, err)
	src, err := NewSelectorSource(defs[0])
	require.NoError(t, err)
	return src
}

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(testYAML))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	d := defs[0]
	assert.Equal(t, "demo-shop", d.Name)
	assert.Equal(t, "browser", d.Transport)
	assert.Equal(t, 2, d.MaxConcurrent)
	assert.Equal(t, 2*time.Second, d.DelayMin)
	assert.Equal(t, 6*time.Second, d.DelayMax)
	assert.Equal(t, "src", d.Item.Fields["image"].Attr)
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o644))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)

	d, err := Find(defs, "demo-shop")
	require.NoError(t, err)
	assert.Equal(t, "demo-shop", d.Name)

	_, err = Find(defs, "missing")
	assert.ErrorIs(t, err, ErrSourceNotFound)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefinitionValidate(t *testing.T) {
	valid := func() Definition {
		return Definition{
			Name:    "x",
			Seeds:   []string{"https://x.example/"},
			Listing: ListingRules{LinkSelector: "a"},
			Item:    ItemRules{Fields: map[string]FieldRule{"title": {Selector: "h1"}}},
		}
	}

	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{"missing name", func(d *Definition) { d.Name = "" }},
		{"no seeds", func(d *Definition) { d.Seeds = nil }},
		{"relative seed", func(d *Definition) { d.Seeds = []string{"/shoes"} }},
		{"no link selector", func(d *Definition) { d.Listing.LinkSelector = "" }},
		{"no fields", func(d *Definition) { d.Item.Fields = nil }},
		{"required without rule", func(d *Definition) { d.Item.Required = []string{"price"} }},
		{"inverted delay", func(d *Definition) { d.DelayMin, d.DelayMax = 5*time.Second, time.Second }},
		{"unknown transport", func(d *Definition) { d.Transport = "carrier-pigeon" }},
	}

	d := valid()
	require.NoError(t, d.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(&d)
			assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
		})
	}
}

func TestParseDefinitions_RejectsDuplicates(t *testing.T) {
	data := []byte(`
sources:
  - name: a
    seeds: [https://a.example/]
    listing: {link_selector: a}
    item: {fields: {title: {selector: h1}}}
  - name: a
    seeds: [https://a.example/]
    listing: {link_selector: a}
    item: {fields: {title: {selector: h1}}}
`)
	_, err := ParseDefinitions(data)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestSelectorSource_SeedURLs(t *testing.T) {
	src := loadDemo(t)

	seeds, err := src.SeedURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://shop.example/category/shoes?page=1",
		"https://shop.example/category/shoes?page=2",
		"https://shop.example/category/boots",
	}, seeds)
}

func TestSelectorSource_ParseListing(t *testing.T) {
	src := loadDemo(t)

	links, err := src.ParseListing(listingHTML, "https://shop.example/category/shoes?page=1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://shop.example/p/1",
		"https://shop.example/p/2",
	}, links)
}

func TestSelectorSource_ParseListingAllowExternal(t *testing.T) {
	src := loadDemo(t)
	src.def.Listing.AllowExternal = true

	links, err := src.ParseListing(listingHTML, "https://shop.example/category/shoes")
	require.NoError(t, err)
	assert.Contains(t, links, "https://other.example/p/9")
}

func TestSelectorSource_ParseItem(t *testing.T) {
	src := loadDemo(t)

	item, err := src.ParseItem(itemHTML, "https://shop.example/p/1")
	require.NoError(t, err)
	require.NotNil(t, item)

	assert.Equal(t, "Trail Runner", item["title"])
	assert.Equal(t, "89,99 €", item["price"])
	assert.Equal(t, "https://cdn.shop.example/1.jpg", item["image"])
	assert.Equal(t, "https://shop.example/p/1", item["url"])
}

func TestSelectorSource_ParseItemMissingRequired(t *testing.T) {
	src := loadDemo(t)

	item, err := src.ParseItem(`<html><span class="price">1 €</span></html>`, "https://shop.example/p/3")
	require.NoError(t, err)
	assert.Nil(t, item)
}
