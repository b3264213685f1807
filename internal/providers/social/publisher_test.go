package social

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/internal/providers/httpcall"
	"github.com/rendis/outreach/pkg/schema"
)

type graphCall struct {
	path string
	form map[string]string
}

func fakeGraph(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, func() []graphCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []graphCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		mu.Lock()
		calls = append(calls, graphCall{path: r.URL.Path, form: form})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []graphCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]graphCall(nil), calls...)
	}
}

func account(platform string) schema.SocialAccount {
	return schema.SocialAccount{Platform: platform, AccountID: "page-1", AccessToken: "tok"}
}

func TestFacebook_TextPost(t *testing.T) {
	srv, calls := fakeGraph(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"page-1_99"}`))
	})
	p := New(httpcall.New(httpcall.Config{}), srv.URL)

	id, err := p.Publish(context.Background(), nodes.SocialPost{
		Platform: "Facebook", Account: account("facebook"), Content: "Now open on Sundays",
	})
	require.NoError(t, err)
	assert.Equal(t, "page-1_99", id)

	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, "/page-1/feed", got[0].path)
	assert.Equal(t, "Now open on Sundays", got[0].form["message"])
	assert.Equal(t, "tok", got[0].form["access_token"])
}

func TestFacebook_PhotoPost(t *testing.T) {
	srv, calls := fakeGraph(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"photo-1","post_id":"page-1_100"}`))
	})
	p := New(httpcall.New(httpcall.Config{}), srv.URL)

	id, err := p.Publish(context.Background(), nodes.SocialPost{
		Platform: "facebook", Account: account("facebook"), Content: "caption", Media: []string{"https://img/1.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "page-1_100", id)
	got := calls()
	assert.Equal(t, "/page-1/photos", got[0].path)
	assert.Equal(t, "https://img/1.png", got[0].form["url"])
}

func TestInstagram_TwoStepPublish(t *testing.T) {
	srv, calls := fakeGraph(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/page-1/media" {
			_, _ = w.Write([]byte(`{"id":"container-7"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"ig-post-1"}`))
	})
	p := New(httpcall.New(httpcall.Config{}), srv.URL)

	id, err := p.Publish(context.Background(), nodes.SocialPost{
		Platform: "instagram", Account: account("instagram"), Content: "hi", Media: []string{"https://img/1.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ig-post-1", id)
	got := calls()
	require.Len(t, got, 2)
	assert.Equal(t, "/page-1/media_publish", got[1].path)
	assert.Equal(t, "container-7", got[1].form["creation_id"])
}

func TestInstagram_RequiresMedia(t *testing.T) {
	p := New(httpcall.New(httpcall.Config{}), "http://unused.invalid")
	_, err := p.Publish(context.Background(), nodes.SocialPost{Platform: "instagram", Account: account("instagram"), Content: "hi"})
	assert.True(t, schema.HasCode(err, schema.ErrCodePermanent))
}

func TestPublish_ProviderErrorPreserved(t *testing.T) {
	srv, _ := fakeGraph(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Error validating access token: Session has expired","type":"OAuthException","code":190}}`))
	})
	p := New(httpcall.New(httpcall.Config{}), srv.URL)

	_, err := p.Publish(context.Background(), nodes.SocialPost{Platform: "facebook", Account: account("facebook"), Content: "x"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePermanent))
	assert.Contains(t, schema.UserMessage(err), "Session has expired")
}

type stubPlatform struct{ id string }

func (s stubPlatform) Publish(context.Context, nodes.SocialPost) (string, error) { return s.id, nil }

func TestPublish_Routing(t *testing.T) {
	p := New(httpcall.New(httpcall.Config{}), "")

	_, err := p.Publish(context.Background(), nodes.SocialPost{Platform: "linkedin", Account: account("linkedin"), Content: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodePermanent))

	p.Register("LinkedIn", stubPlatform{id: "li-1"})
	id, err := p.Publish(context.Background(), nodes.SocialPost{Platform: "linkedin", Account: account("linkedin"), Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "li-1", id)

	_, err = p.Publish(context.Background(), nodes.SocialPost{Platform: "facebook", Account: schema.SocialAccount{AccessToken: "t"}, Content: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodePermanent))
}
