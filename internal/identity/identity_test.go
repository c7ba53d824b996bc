package identity

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierd/tierd/internal/domain"
)

func TestResolve_Priority(t *testing.T) {
	r := NewResolver()

	cases := []struct {
		name string
		src  Sources
		want domain.Identity
	}{
		{
			name: "user id wins",
			src:  Sources{UserID: "u1", QueryClientID: "q", BodyClientID: "b", HeaderClientID: "h"},
			want: domain.Identity{UserID: "u1", ClientID: "q"},
		},
		{
			name: "query before body",
			src:  Sources{QueryClientID: "q", BodyClientID: "b", HeaderClientID: "h"},
			want: domain.Identity{ClientID: "q"},
		},
		{
			name: "body before header",
			src:  Sources{BodyClientID: "b", HeaderClientID: "h"},
			want: domain.Identity{ClientID: "b"},
		},
		{
			name: "header last",
			src:  Sources{HeaderClientID: "h"},
			want: domain.Identity{ClientID: "h"},
		},
		{
			name: "placeholders are skipped",
			src:  Sources{UserID: "null", QueryClientID: "undefined", BodyClientID: "server-side", HeaderClientID: " h "},
			want: domain.Identity{ClientID: "h"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Resolve(tc.src)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want.Key(), got.Key())
		})
	}
}

func TestResolve_Synthesizes(t *testing.T) {
	r := NewResolver()

	a := r.Resolve(Sources{QueryClientID: "undefined", HeaderClientID: "null"})
	b := r.Resolve(Sources{})

	require.True(t, a.Synthesized)
	require.True(t, b.Synthesized)
	assert.True(t, strings.HasPrefix(a.ClientID, SynthesizedPrefix))
	assert.NotEqual(t, a.ClientID, b.ClientID, "synthesized ids are not stable")
	assert.Empty(t, a.UserID)
}

func TestLookup_NeverSynthesizes(t *testing.T) {
	r := NewResolver()

	_, ok := r.Lookup(Sources{QueryClientID: "undefined"})
	assert.False(t, ok)

	id, ok := r.Lookup(Sources{HeaderClientID: "abc"})
	assert.True(t, ok)
	assert.Equal(t, "abc", id.Key())
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/vote?productId=p&clientId=from-query", nil)
	req.Header.Set(HeaderClientID, "from-header")
	req.Header.Set(HeaderUserID, "header-user")

	src := FromRequest(req, "", "from-body")
	assert.Equal(t, Sources{
		UserID:         "header-user",
		QueryClientID:  "from-query",
		BodyClientID:   "from-body",
		HeaderClientID: "from-header",
	}, src)

	src = FromRequest(req, "body-user", "")
	assert.Equal(t, "body-user", src.UserID)
}
