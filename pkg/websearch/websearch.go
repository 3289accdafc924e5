package websearch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const DefaultEndpoint = "https://html.duckduckgo.com/html/"

var (
	ErrNoResults   = errors.New("no search results")
	ErrInvalidURL  = errors.New("invalid page URL")
	ErrBlockedHost = errors.New("refusing to connect to a non-public address")
)

type SearchConfig struct {
	Endpoint   string
	MaxResults int
	RateLimit  float64 // requests per second
	Timeout    time.Duration
	UserAgent  string

	// AllowPrivateHosts lets requests reach loopback, private and
	// link-local addresses.
	AllowPrivateHosts bool
}

type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Client talks to DuckDuckGo's HTML endpoint and fetches result pages.
// Requests from one Client share a rate limiter.
type Client struct {
	config  SearchConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewWithConfig(config SearchConfig) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.MaxResults == 0 {
		config.MaxResults = 5
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (compatible; ragchat/1.0)"
	}

	dialer := &net.Dialer{Timeout: config.Timeout}
	if !config.AllowPrivateHosts {
		dialer.Control = publicOnly
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	return &Client{
		config: config,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

// publicOnly runs after DNS resolution, so redirects and rebinding are
// checked against the address actually dialled.
func publicOnly(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip == nil || !isPublic(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	return nil
}

func isPublic(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast())
}

func New() *Client {
	return NewWithConfig(SearchConfig{})
}

func (c *Client) get(ctx context.Context, rawURL string) (*goquery.Document, error) {
	// Apply rate limiting
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, rawURL)
	}

	return goquery.NewDocumentFromReader(resp.Body)
}

// Search returns up to MaxResults organic results for query.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoResults
	}

	endpoint, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return nil, err
	}
	params := endpoint.Query()
	params.Set("q", query)
	endpoint.RawQuery = params.Encode()

	doc, err := c.get(ctx, endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	var results []Result
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if sel.HasClass("result--ad") {
			return true
		}
		link := sel.Find("a.result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		results = append(results, Result{
			Title:   cleanContent(link.Text()),
			URL:     resultURL(href),
			Snippet: cleanContent(sel.Find(".result__snippet").Text()),
		})
		return len(results) < c.config.MaxResults
	})

	if len(results) == 0 {
		return nil, ErrNoResults
	}
	return results, nil
}

// resultURL unwraps DuckDuckGo's redirect links.
func resultURL(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

// Read fetches a page and returns its title and main text.
func (c *Client) Read(ctx context.Context, rawURL string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	if !c.config.AllowPrivateHosts {
		host := u.Hostname()
		if ip := net.ParseIP(host); (ip != nil && !isPublic(ip)) || strings.EqualFold(host, "localhost") {
			return "", "", fmt.Errorf("%w: %s", ErrBlockedHost, host)
		}
	}

	doc, err := c.get(ctx, u.String())
	if err != nil {
		return "", "", err
	}

	return cleanContent(doc.Find("title").First().Text()), extractMainContent(doc), nil
}

func cleanContent(content string) string {
	// Remove extra whitespace
	content = strings.Join(strings.Fields(content), " ")

	// Remove common noise
	noisePatterns := []string{
		"Cookie Policy",
		"Accept Cookies",
		"Privacy Policy",
		"Terms of Service",
	}

	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	return strings.TrimSpace(content)
}

func extractMainContent(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, header, noscript").Remove()

	// Try to find main content area
	selectors := []string{
		"main",
		"article",
		"[itemtype*='Recipe']",
		".recipe",
		".content",
		"#content",
	}

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.First().Text()
			break
		}
	}

	// Fallback to body if no main content found
	if content == "" {
		content = doc.Find("body").Text()
	}

	return cleanContent(content)
}
