package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

func TestHeuristic_ShouldPromote(t *testing.T) {
	t.Parallel()

	longText := strings.Repeat("Fresh apples are on sale this week. ", 20)

	tests := []struct {
		name string
		resp scrape.FetchResponse
		want bool
	}{
		{
			name: "empty body",
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte("  ")},
			want: true,
		},
		{
			name: "empty next root",
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(`<html><body><div id="__next"></div></body></html>`)},
			want: true,
		},
		{
			name: "server rendered react root",
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(`<html><body><div id="root"><p>` + longText + `</p></div></body></html>`)},
			want: false,
		},
		{
			name: "script heavy small page",
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)},
			want: true,
		},
		{
			name: "plain article",
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(`<html><body><h1>News</h1><p>` + longText + `</p></body></html>`)},
			want: false,
		},
		{
			name: "not found",
			resp: scrape.FetchResponse{StatusCode: 404, Body: []byte("")},
			want: false,
		},
	}

	h := NewHeuristic(1000, 0)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.resp))
		})
	}
}

func TestNewHeuristicDefaults(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0, 0)
	require.Equal(t, defaultBodyThreshold, h.BodyLengthThreshold)
	require.Equal(t, defaultMinText, h.MinTextLength)
}
