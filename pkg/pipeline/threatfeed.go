package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	threatFeedTimeout  = 10 * time.Second
	threatFeedMaxBytes = 1 << 20
	threatFeedMaxTerms = 10_000
)

// FetchThreatTerms pulls newline-separated deny terms from each feed URL.
// Lines starting with '#' are comments. A failing feed is logged and
// skipped; the gateway starts with whatever loaded.
func FetchThreatTerms(ctx context.Context, client *http.Client, urls []string, logger *slog.Logger) []string {
	if len(urls) == 0 {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: threatFeedTimeout}
	}
	seen := make(map[string]bool)
	var terms []string
	for _, target := range urls {
		got, err := fetchFeed(ctx, client, target)
		if err != nil {
			logger.Warn("threat feed skipped", "url", target, "error", err)
			continue
		}
		for _, term := range got {
			if seen[term] || len(terms) >= threatFeedMaxTerms {
				continue
			}
			seen[term] = true
			terms = append(terms, term)
		}
	}
	logger.Info("threat feeds loaded", "feeds", len(urls), "terms", len(terms))
	return terms
}

func fetchFeed(ctx context.Context, client *http.Client, target string) ([]string, error) {
	rctx, cancel := context.WithTimeout(ctx, threatFeedTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed answered %d", resp.StatusCode)
	}

	var terms []string
	sc := bufio.NewScanner(io.LimitReader(resp.Body, threatFeedMaxBytes))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	return terms, sc.Err()
}
