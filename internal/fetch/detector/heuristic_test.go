package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/seoharvest/webminer/internal/crawler"
)

func TestShouldPromote(t *testing.T) {
	t.Parallel()
	h := NewHeuristic(2048)

	tests := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{
			name: "non-200 never promotes",
			resp: crawler.FetchResponse{StatusCode: 404, Body: []byte("")},
			want: false,
		},
		{
			name: "empty body promotes",
			resp: crawler.FetchResponse{StatusCode: 200},
			want: true,
		},
		{
			name: "spa root marker promotes",
			resp: crawler.FetchResponse{
				StatusCode: 200,
				Body:       []byte(`<html><body><div id="root"></div>` + strings.Repeat("x", 4000) + `</body></html>`),
			},
			want: true,
		},
		{
			name: "small script-heavy page promotes",
			resp: crawler.FetchResponse{
				StatusCode: 200,
				Body:       []byte(`<html><body><p>hi</p><script>` + strings.Repeat("a", 600) + `</script></body></html>`),
			},
			want: true,
		},
		{
			name: "plain content does not promote",
			resp: crawler.FetchResponse{
				StatusCode: 200,
				Body:       []byte(`<html><body>` + strings.Repeat("<p>content</p>", 300) + `</body></html>`),
			},
			want: false,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, h.ShouldPromote(tc.resp))
		})
	}
}
