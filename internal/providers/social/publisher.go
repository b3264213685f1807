// Package social publishes posts through Graph-style platform APIs.
package social

import (
	"context"
	"net/url"
	"strings"

	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/internal/providers/httpcall"
	"github.com/rendis/outreach/pkg/schema"
)

// DefaultGraphURL is the Graph API root used by Facebook and Instagram.
const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// Platform publishes to one social network.
type Platform interface {
	Publish(ctx context.Context, post nodes.SocialPost) (string, error)
}

// Publisher routes posts to the platform named in the post. It implements
// nodes.SocialPublisher.
type Publisher struct {
	platforms map[string]Platform
}

var _ nodes.SocialPublisher = (*Publisher)(nil)

// New returns a publisher with Facebook and Instagram wired to the Graph API
// at baseURL (DefaultGraphURL when empty).
func New(client *httpcall.Client, baseURL string) *Publisher {
	if baseURL == "" {
		baseURL = DefaultGraphURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Publisher{platforms: map[string]Platform{
		"facebook":  &facebookPage{client: client, base: baseURL},
		"instagram": &instagramAccount{client: client, base: baseURL},
	}}
}

// Register adds or replaces a platform.
func (p *Publisher) Register(name string, platform Platform) {
	p.platforms[strings.ToLower(name)] = platform
}

func (p *Publisher) Publish(ctx context.Context, post nodes.SocialPost) (string, error) {
	platform, ok := p.platforms[strings.ToLower(post.Platform)]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodePermanent, "publishing to %s is not supported", post.Platform)
	}
	if post.Account.AccountID == "" {
		return "", schema.NewErrorf(schema.ErrCodePermanent, "no %s account id configured", post.Platform)
	}
	return platform.Publish(ctx, post)
}

type graphID struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

func (g graphID) value() string {
	if g.PostID != "" {
		return g.PostID
	}
	return g.ID
}

// facebookPage posts to a page feed, or to its photos when media is attached.
type facebookPage struct {
	client *httpcall.Client
	base   string
}

func (f *facebookPage) Publish(ctx context.Context, post nodes.SocialPost) (string, error) {
	form := url.Values{}
	form.Set("access_token", post.Account.AccessToken)
	edge := "/feed"
	if len(post.Media) > 0 {
		edge = "/photos"
		form.Set("url", post.Media[0])
		form.Set("caption", post.Content)
	} else {
		form.Set("message", post.Content)
	}

	var out graphID
	if err := f.client.DoJSON(ctx, "POST", f.base+"/"+url.PathEscape(post.Account.AccountID)+edge, nil, form, &out); err != nil {
		return "", err
	}
	return out.value(), nil
}

// instagramAccount creates a media container and then publishes it.
type instagramAccount struct {
	client *httpcall.Client
	base   string
}

func (i *instagramAccount) Publish(ctx context.Context, post nodes.SocialPost) (string, error) {
	if len(post.Media) == 0 {
		return "", schema.NewError(schema.ErrCodePermanent, "instagram posts require an image")
	}
	account := i.base + "/" + url.PathEscape(post.Account.AccountID)

	form := url.Values{}
	form.Set("access_token", post.Account.AccessToken)
	form.Set("image_url", post.Media[0])
	form.Set("caption", post.Content)
	var container graphID
	if err := i.client.DoJSON(ctx, "POST", account+"/media", nil, form, &container); err != nil {
		return "", err
	}

	publish := url.Values{}
	publish.Set("access_token", post.Account.AccessToken)
	publish.Set("creation_id", container.value())
	var out graphID
	if err := i.client.DoJSON(ctx, "POST", account+"/media_publish", nil, publish, &out); err != nil {
		return "", err
	}
	return out.value(), nil
}
