package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultsPage = `
<html>
	<body>
		<div class="result result--ad">
			<a class="result__a" href="https://ads.example.com">Buy pasta</a>
		</div>
		<div class="result">
			<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Frecipes.example.com%2Flasagna&rut=abc">Classic   Lasagna</a>
			<a class="result__snippet">Layer pasta, ricotta and ragu.</a>
		</div>
		<div class="result">
			<a class="result__a" href="https://recipes.example.com/tiramisu">Tiramisu</a>
			<a class="result__snippet">Coffee and mascarpone.</a>
		</div>
		<div class="result">
			<a class="result__a" href="https://recipes.example.com/risotto">Risotto</a>
		</div>
	</body>
</html>`

func newSearchServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()

	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("q"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Query().Get("q") == "nothing" {
			w.Write([]byte(`<html><body><div class="no-results">No results.</div></body></html>`))
			return
		}
		w.Write([]byte(resultsPage))
	}))
	t.Cleanup(server.Close)
	return server, &queries
}

func TestSearch(t *testing.T) {
	server, queries := newSearchServer(t)

	c := NewWithConfig(SearchConfig{
		Endpoint:          server.URL + "/html/",
		MaxResults:        2,
		AllowPrivateHosts: true,
		RateLimit:         100,
		UserAgent:         "test-agent",
	})

	results, err := c.Search(context.Background(), "lasagna recipe")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []string{"lasagna recipe"}, *queries)
	assert.Equal(t, Result{
		Title:   "Classic Lasagna",
		URL:     "https://recipes.example.com/lasagna",
		Snippet: "Layer pasta, ricotta and ragu.",
	}, results[0])
	assert.Equal(t, "https://recipes.example.com/tiramisu", results[1].URL)
}

func TestSearchNoResults(t *testing.T) {
	server, _ := newSearchServer(t)
	c := NewWithConfig(SearchConfig{Endpoint: server.URL, AllowPrivateHosts: true, RateLimit: 100, UserAgent: "test-agent"})

	_, err := c.Search(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrNoResults)

	_, err = c.Search(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestSearchStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewWithConfig(SearchConfig{Endpoint: server.URL, AllowPrivateHosts: true, RateLimit: 100})
	_, err := c.Search(context.Background(), "lasagna")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "received status code 429")
}

func TestRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`
			<html>
				<head><title>Lasagna</title><script>var tracking = 1;</script></head>
				<body>
					<nav>Home | Recipes</nav>
					<article>
						<h1>Lasagna</h1>
						<p>Bake for forty minutes.</p>
						<p>Privacy Policy</p>
					</article>
				</body>
			</html>
		`))
	}))
	defer server.Close()

	c := NewWithConfig(SearchConfig{RateLimit: 100, AllowPrivateHosts: true})

	title, content, err := c.Read(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "Lasagna", title)
	assert.Equal(t, "Lasagna Bake for forty minutes.", content)
}

func TestReadRejectsInvalidURL(t *testing.T) {
	c := New()

	for _, raw := range []string{"", "ftp://example.com/file", "/relative/path", "https://"} {
		_, _, err := c.Read(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}
}

func TestReadRefusesNonPublicHosts(t *testing.T) {
	c := NewWithConfig(SearchConfig{RateLimit: 100})

	for _, raw := range []string{
		"http://localhost:8080/admin",
		"http://127.0.0.1/",
		"http://10.0.0.5/internal",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
	} {
		_, _, err := c.Read(context.Background(), raw)
		assert.ErrorIs(t, err, ErrBlockedHost, raw)
	}
}

func TestDialRefusesResolvedLoopback(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	c := NewWithConfig(SearchConfig{Endpoint: server.URL, RateLimit: 100})
	_, err := c.Search(context.Background(), "lasagna")
	assert.ErrorIs(t, err, ErrBlockedHost)
	assert.Zero(t, hits)
}

func TestRateLimitHonoursContext(t *testing.T) {
	server, _ := newSearchServer(t)
	c := NewWithConfig(SearchConfig{Endpoint: server.URL, AllowPrivateHosts: true, RateLimit: 0.01, UserAgent: "test-agent"})

	_, err := c.Search(context.Background(), "lasagna")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Search(ctx, "lasagna")
	assert.Error(t, err)
}

func TestCleanContent(t *testing.T) {
	assert.Equal(t, "Ragu recipe", cleanContent("  Ragu \n\t recipe Accept Cookies "))
	assert.Equal(t, "https://a.example/x", resultURL("//duckduckgo.com/l/?uddg=https%3A%2F%2Fa.example%2Fx"))
	assert.Equal(t, "https://a.example/y", resultURL("https://a.example/y"))
}

func TestSearchTool(t *testing.T) {
	server, _ := newSearchServer(t)
	tool := NewSearchTool(NewWithConfig(SearchConfig{
		Endpoint:          server.URL,
		MaxResults:        1,
		AllowPrivateHosts: true,
		RateLimit:         100,
		UserAgent:         "test-agent",
	}), nil)

	assert.Equal(t, "duckduckgo_search", tool.Name())
	assert.NotEmpty(t, tool.Description())

	out, err := tool.Call(context.Background(), "lasagna")
	require.NoError(t, err)
	assert.Equal(t, "1. Classic Lasagna\n   https://recipes.example.com/lasagna\n   Layer pasta, ricotta and ragu.", out)

	out, err = tool.Call(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Contains(t, out, "No good DuckDuckGo search results")
}

func TestSearchToolReportsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tool := NewSearchTool(NewWithConfig(SearchConfig{Endpoint: server.URL, AllowPrivateHosts: true, RateLimit: 100}), nil)

	out, err := tool.Call(context.Background(), "lasagna")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Web search failed:"))
}

func TestPageReader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Ragu</title></head><body><main>` +
			strings.Repeat("simmer ", 20) + `</main></body></html>`))
	}))
	defer server.Close()

	reader := NewPageReader(NewWithConfig(SearchConfig{RateLimit: 100, AllowPrivateHosts: true}), nil)
	reader.MaxChars = 13
	assert.Equal(t, "read_web_page", reader.Name())

	out, err := reader.Call(context.Background(), ` "`+server.URL+`" `)
	require.NoError(t, err)
	assert.Equal(t, "Ragu\n\nsimmer simmer...", out)

	out, err = reader.Call(context.Background(), "not a url")
	require.NoError(t, err)
	assert.Contains(t, out, "Could not read page")
}
