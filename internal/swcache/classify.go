package swcache

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

type Category string

const (
	CategoryCritical     Category = "critical"
	CategoryImage        Category = "image"
	CategoryFont         Category = "font"
	CategoryAPI          Category = "api"
	CategoryHTML         Category = "html"
	CategoryUnclassified Category = "unclassified"
)

var (
	imageExts = map[string]struct{}{
		"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "webp": {}, "svg": {},
	}
	fontExts = map[string]struct{}{
		"woff": {}, "woff2": {}, "ttf": {}, "otf": {}, "eot": {},
	}
)

// Classifier maps requests to categories. It holds no mutable state and is
// safe for concurrent use.
type Classifier struct {
	critical   []string
	fontHosts  []string
	apiMarkers []string
	apiHosts   []string
}

func NewClassifier(critical []string, rules ClassifyConfig) *Classifier {
	c := &Classifier{
		critical:   make([]string, 0, len(critical)),
		fontHosts:  lowerAll(rules.FontHosts),
		apiMarkers: append([]string(nil), rules.APIMarkers...),
		apiHosts:   lowerAll(rules.APIHosts),
	}
	for _, u := range critical {
		u = strings.TrimSpace(u)
		if u != "" {
			c.critical = append(c.critical, u)
		}
	}
	return c
}

// Classify checks, in order: critical manifest, image, font, api, html.
// Anything else, and every non-GET request, is unclassified.
func (c *Classifier) Classify(req Request) Category {
	if req.Method != http.MethodGet {
		return CategoryUnclassified
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return CategoryUnclassified
	}

	if c.isCritical(req.URL, u) {
		return CategoryCritical
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if req.Destination == "image" {
		return CategoryImage
	}
	if _, ok := imageExts[ext]; ok {
		return CategoryImage
	}

	host := strings.ToLower(u.Hostname())
	if req.Destination == "font" {
		return CategoryFont
	}
	if _, ok := fontExts[ext]; ok {
		return CategoryFont
	}
	if host != "" && containsString(c.fontHosts, host) {
		return CategoryFont
	}

	for _, m := range c.apiMarkers {
		if m != "" && strings.Contains(req.URL, m) {
			return CategoryAPI
		}
	}
	if host != "" && containsString(c.apiHosts, host) {
		return CategoryAPI
	}

	if req.Destination == "document" {
		return CategoryHTML
	}
	if strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/html") {
		return CategoryHTML
	}
	return CategoryUnclassified
}

func (c *Classifier) isCritical(raw string, u *url.URL) bool {
	reqPath := u.RequestURI()
	for _, entry := range c.critical {
		if raw == entry {
			return true
		}
		if entry == "/" {
			// the document root would suffix-match every URL
			if u.Path == "/" || u.Path == "" {
				return true
			}
			continue
		}
		if strings.HasSuffix(raw, entry) {
			return true
		}
		if strings.HasPrefix(entry, "/") && reqPath == entry {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
