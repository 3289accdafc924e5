package websearch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/tools"
	"go.uber.org/zap"
)

const defaultMaxPageChars = 4000

// SearchTool exposes Client.Search to the agent. Remote failures are
// returned as the observation so the agent can carry on without them.
type SearchTool struct {
	client *Client
	logger *zap.Logger
}

var _ tools.Tool = SearchTool{}

func NewSearchTool(client *Client, logger *zap.Logger) SearchTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return SearchTool{client: client, logger: logger}
}

func (SearchTool) Name() string {
	return "duckduckgo_search"
}

func (SearchTool) Description() string {
	return "Searches the web with DuckDuckGo. Use it when the document does not answer the question. " +
		"The input is a search query; the output lists result titles, URLs and snippets."
}

func (t SearchTool) Call(ctx context.Context, input string) (string, error) {
	results, err := t.client.Search(ctx, input)
	if errors.Is(err, ErrNoResults) {
		return "No good DuckDuckGo search results were found.", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		t.logger.Warn("web search failed", zap.String("query", input), zap.Error(err))
		return fmt.Sprintf("Web search failed: %v", err), nil
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// PageReader fetches a URL and returns its readable text, truncated.
type PageReader struct {
	client   *Client
	logger   *zap.Logger
	MaxChars int
}

var _ tools.Tool = PageReader{}

func NewPageReader(client *Client, logger *zap.Logger) PageReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PageReader{client: client, logger: logger, MaxChars: defaultMaxPageChars}
}

func (PageReader) Name() string {
	return "read_web_page"
}

func (PageReader) Description() string {
	return "Reads a web page, for example a search result. The input is an absolute http or https URL; " +
		"the output is the page title followed by its main text."
}

func (r PageReader) Call(ctx context.Context, input string) (string, error) {
	title, content, err := r.client.Read(ctx, strings.Trim(strings.TrimSpace(input), `"'`))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.logger.Warn("page read failed", zap.String("url", input), zap.Error(err))
		return fmt.Sprintf("Could not read page: %v", err), nil
	}

	if r.MaxChars > 0 {
		if runes := []rune(content); len(runes) > r.MaxChars {
			content = string(runes[:r.MaxChars]) + "..."
		}
	}
	if title == "" {
		return content, nil
	}
	return title + "\n\n" + content, nil
}
