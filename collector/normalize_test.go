package collector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeUrl(t *testing.T) {
	t.Run("Test equivalent urls share a key", func(t *testing.T) {
		variants := []string{
			"https://Example.com/news/story/",
			"HTTPS://example.com:443/news/story",
			"https://example.com/news/story#comments",
			"https://example.com/news/story?utm_source=x&utm_medium=y",
			" https://example.com/news/story?fbclid=abc ",
		}
		for _, v := range variants {
			key, err := NormalizeUrl(v)
			require.NoError(t, err)
			require.Equal(t, "https://example.com/news/story", key, v)
		}
	})

	t.Run("Test meaningful query params are kept and sorted", func(t *testing.T) {
		key, err := NormalizeUrl("http://a.com/s?q=go&page=2&utm_campaign=z")
		require.NoError(t, err)
		require.Equal(t, "http://a.com/s?page=2&q=go", key)
	})

	t.Run("Test non default port is kept", func(t *testing.T) {
		key, err := NormalizeUrl("http://a.com:8080/x")
		require.NoError(t, err)
		require.Equal(t, "http://a.com:8080/x", key)
	})

	t.Run("Test invalid urls", func(t *testing.T) {
		for _, raw := range []string{"ftp://a.com/x", "not a url", "/relative/path", "mailto:a@b.com"} {
			_, err := NormalizeUrl(raw)
			require.Error(t, err, raw)
		}
	})
}

func TestResolveUrl(t *testing.T) {
	cases := []struct {
		base, href, want string
		ok               bool
	}{
		{"http://a.com", "b", "http://a.com/b", true},
		{"http://a.com/", "/b", "http://a.com/b", true},
		{"https://www.bvp.com/atlas/", "test", "https://www.bvp.com/atlas/test", true},
		{"https://a.com/x", "https://b.com/y", "https://b.com/y", true},
		{"https://a.com/x", "//cdn.a.com/y", "https://cdn.a.com/y", true},
		{"https://a.com/x", "#top", "", false},
		{"https://a.com/x", "javascript:void(0)", "", false},
		{"https://a.com/x", "", "", false},
	}
	for _, c := range cases {
		got, ok := ResolveUrl(c.base, c.href)
		require.Equal(t, c.ok, ok, c.href)
		require.Equal(t, c.want, got, c.href)
	}
}

func TestDedupUrls(t *testing.T) {
	urls := []string{
		"https://a.com/1",
		"https://a.com/1/",
		"bad",
		"https://a.com/2?utm_source=rss",
		"https://a.com/2",
		"https://a.com/3",
	}
	require.Equal(t, []string{"https://a.com/1", "https://a.com/2", "https://a.com/3"}, DedupUrls(urls, 0))
	require.Equal(t, []string{"https://a.com/1", "https://a.com/2"}, DedupUrls(urls, 2))
}
