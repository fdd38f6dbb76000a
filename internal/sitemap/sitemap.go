// Package sitemap renders the storefront sitemap from the product catalog.
package sitemap

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const xmlns = "http://www.sitemaps.org/schemas/sitemap/0.9"

type Category struct {
	Slug string
}

type Product struct {
	Slug      string
	UpdatedAt time.Time
}

// Catalog is the read side of the storefront database.
type Catalog interface {
	ActiveCategories(ctx context.Context) ([]Category, error)
	ActiveProducts(ctx context.Context) ([]Product, error)
}

type URL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod,omitempty"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

type URLSet struct {
	XMLName xml.Name `xml:"urlset"`
	Xmlns   string   `xml:"xmlns,attr"`
	URLs    []URL    `xml:"url"`
}

// Generator builds the urlset: static pages first, then categories, then
// products.
type Generator struct {
	BaseURL     string
	StaticPages []string
	Catalog     Catalog
	Logger      logrus.FieldLogger
}

func priority(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64)
}

func (g *Generator) loc(path string) string {
	base := strings.TrimRight(g.BaseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func (g *Generator) Build(ctx context.Context) (URLSet, error) {
	set := URLSet{Xmlns: xmlns}

	for _, p := range g.StaticPages {
		pr := 0.8
		if p == "/" {
			pr = 1.0
		}
		set.URLs = append(set.URLs, URL{Loc: g.loc(p), ChangeFreq: "monthly", Priority: priority(pr)})
	}

	cats, err := g.Catalog.ActiveCategories(ctx)
	if err != nil {
		return URLSet{}, errors.Wrap(err, "query categories")
	}
	for _, c := range cats {
		set.URLs = append(set.URLs, URL{
			Loc:        g.loc("/categoria/" + url.PathEscape(c.Slug)),
			ChangeFreq: "weekly",
			Priority:   priority(0.8),
		})
	}

	products, err := g.Catalog.ActiveProducts(ctx)
	if err != nil {
		return URLSet{}, errors.Wrap(err, "query products")
	}
	for _, p := range products {
		u := URL{
			Loc:        g.loc("/producto/" + url.PathEscape(p.Slug)),
			ChangeFreq: "daily",
			Priority:   priority(0.9),
		}
		if !p.UpdatedAt.IsZero() {
			u.LastMod = p.UpdatedAt.UTC().Format(time.RFC3339)
		}
		set.URLs = append(set.URLs, u)
	}
	return set, nil
}

// ServeHTTP answers with the rendered sitemap; any catalog error is a 500
// with an empty body.
func (g *Generator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	set, err := g.Build(r.Context())
	if err != nil {
		g.logger().WithError(err).Error("sitemap: build failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	b, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		g.logger().WithError(err).Error("sitemap: encode failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(b)
}

func (g *Generator) logger() logrus.FieldLogger {
	if g.Logger == nil {
		return logrus.StandardLogger()
	}
	return g.Logger
}
