package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/PortNumber53/crosspost/internal/models"
)

// Instagram publishes through the Graph API content publishing flow: create a media
// container, publish it, then read back the permalink. AccountID is the IG business user id.
// Captions and deletes are not editable through the API.
type Instagram struct {
	api api
}

func NewInstagram(o Options) *Instagram {
	return &Instagram{api: newAPI(models.PlatformInstagram, "https://graph.facebook.com/v18.0", o)}
}

func (g *Instagram) Platform() models.Platform { return models.PlatformInstagram }

func (g *Instagram) CreatePost(ctx context.Context, cred models.PlatformAccount, caption string, media []string) models.PlatformPostResult {
	if cred.AccountID == "" {
		return failed(g.Platform(), errors.New("instagram_missing_user_id"))
	}
	if len(media) == 0 {
		return failed(g.Platform(), errors.New("instagram_requires_media"))
	}
	user := g.api.baseURL + "/" + url.PathEscape(cred.AccountID)

	form := url.Values{}
	form.Set("image_url", media[0])
	form.Set("caption", caption)
	var container graphIDResp
	if _, err := graphForm(ctx, g.api, user+"/media", cred.AccessToken, form, &container); err != nil {
		return failed(g.Platform(), err)
	}
	if container.ID == "" {
		return failed(g.Platform(), errors.New("instagram_missing_container_id"))
	}

	pub := url.Values{}
	pub.Set("creation_id", container.ID)
	var published graphIDResp
	res, err := graphForm(ctx, g.api, user+"/media_publish", cred.AccessToken, pub, &published)
	if err != nil {
		return failed(g.Platform(), err)
	}
	if published.ID == "" {
		return failed(g.Platform(), fmt.Errorf("instagram_missing_media_id body=%s", truncate(string(res.Body), 300)))
	}

	// Permalink lookup is best-effort; the post is already live.
	permalink := ""
	var meta struct {
		Permalink string `json:"permalink"`
	}
	q := url.Values{}
	q.Set("fields", "permalink")
	if _, err := graphGet(ctx, g.api, g.api.baseURL+"/"+url.PathEscape(published.ID), cred.AccessToken, q, &meta); err == nil {
		permalink = meta.Permalink
	}
	return succeeded(g.Platform(), published.ID, permalink, media[:1], string(res.Body))
}

func (g *Instagram) EditPost(ctx context.Context, cred models.PlatformAccount, existingID, caption string, media []string) models.PlatformPostResult {
	return failed(g.Platform(), fmt.Errorf("instagram_edit_unsupported id=%s", existingID))
}

func (g *Instagram) DeletePost(ctx context.Context, cred models.PlatformAccount, existingID string) (bool, error) {
	return false, fmt.Errorf("instagram_delete_unsupported id=%s", existingID)
}

type igMediaResp struct {
	Data []struct {
		ID        string `json:"id"`
		Caption   string `json:"caption"`
		Permalink string `json:"permalink"`
		MediaURL  string `json:"media_url"`
		Timestamp string `json:"timestamp"`
	} `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

func (g *Instagram) ListPosts(ctx context.Context, cred models.PlatformAccount, cursor string, limit int) (Page, error) {
	if cred.AccountID == "" {
		return Page{}, errors.New("instagram_missing_user_id")
	}
	q := url.Values{}
	q.Set("fields", "id,caption,permalink,media_url,timestamp")
	q.Set("limit", strconv.Itoa(clampLimit(limit, 25, 100)))
	if cursor != "" {
		q.Set("after", cursor)
	}
	var out igMediaResp
	if _, err := graphGet(ctx, g.api, g.api.baseURL+"/"+url.PathEscape(cred.AccountID)+"/media", cred.AccessToken, q, &out); err != nil {
		return Page{}, err
	}
	page := Page{}
	if out.Paging.Next != "" {
		page.NextCursor = out.Paging.Cursors.After
	}
	for _, d := range out.Data {
		page.Items = append(page.Items, models.PlatformPostSummary{
			ID:        d.ID,
			Caption:   d.Caption,
			Permalink: d.Permalink,
			MediaURL:  d.MediaURL,
			PostedAt:  parseTime(graphTimeLayout, d.Timestamp),
		})
	}
	return page, nil
}
