package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PortNumber53/crosspost/internal/models"
)

// Facebook publishes to a page through the Graph API. AccountID is the page id and the
// credential is a page access token.
type Facebook struct {
	api api
}

func NewFacebook(o Options) *Facebook {
	return &Facebook{api: newAPI(models.PlatformFacebook, "https://graph.facebook.com/v18.0", o)}
}

func (f *Facebook) Platform() models.Platform { return models.PlatformFacebook }

type graphIDResp struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

// graphForm posts form values with the token as access_token, the way the Graph API expects.
func graphForm(ctx context.Context, a api, endpoint, token string, form url.Values, out any) (apiResponse, error) {
	if form == nil {
		form = url.Values{}
	}
	form.Set("access_token", token)
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := a.do(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()), hdr)
	if err != nil {
		return res, err
	}
	if out != nil {
		if err := decodeInto(res.Body, out); err != nil {
			return res, fmt.Errorf("%s_decode_failed err=%v body=%s", a.platform, err, truncate(string(res.Body), 300))
		}
	}
	return res, nil
}

func graphGet(ctx context.Context, a api, endpoint, token string, q url.Values, out any) (apiResponse, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("access_token", token)
	res, err := a.do(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil, nil)
	if err != nil {
		return res, err
	}
	if err := decodeInto(res.Body, out); err != nil {
		return res, fmt.Errorf("%s_decode_failed err=%v body=%s", a.platform, err, truncate(string(res.Body), 300))
	}
	return res, nil
}

func facebookPermalink(id string) string {
	return "https://www.facebook.com/" + url.PathEscape(id)
}

func (f *Facebook) CreatePost(ctx context.Context, cred models.PlatformAccount, caption string, media []string) models.PlatformPostResult {
	if cred.AccountID == "" {
		return failed(f.Platform(), errors.New("facebook_missing_page_id"))
	}
	page := f.api.baseURL + "/" + url.PathEscape(cred.AccountID)
	form := url.Values{}
	var endpoint string
	if len(media) > 0 {
		// Photo posts carry the caption; extra media beyond the first are linked in the text.
		endpoint = page + "/photos"
		form.Set("url", media[0])
		form.Set("caption", tweetText(caption, media[1:]))
	} else {
		endpoint = page + "/feed"
		form.Set("message", caption)
	}
	var out graphIDResp
	res, err := graphForm(ctx, f.api, endpoint, cred.AccessToken, form, &out)
	if err != nil {
		return failed(f.Platform(), err)
	}
	id := out.PostID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return failed(f.Platform(), fmt.Errorf("facebook_missing_id body=%s", truncate(string(res.Body), 300)))
	}
	return succeeded(f.Platform(), id, facebookPermalink(id), media, string(res.Body))
}

func (f *Facebook) EditPost(ctx context.Context, cred models.PlatformAccount, existingID, caption string, media []string) models.PlatformPostResult {
	form := url.Values{}
	form.Set("message", caption)
	var out struct {
		Success bool `json:"success"`
	}
	res, err := graphForm(ctx, f.api, f.api.baseURL+"/"+url.PathEscape(existingID), cred.AccessToken, form, &out)
	if err != nil {
		return failed(f.Platform(), err)
	}
	if !out.Success {
		return failed(f.Platform(), fmt.Errorf("facebook_edit_rejected body=%s", truncate(string(res.Body), 300)))
	}
	return succeeded(f.Platform(), existingID, facebookPermalink(existingID), media, string(res.Body))
}

func (f *Facebook) DeletePost(ctx context.Context, cred models.PlatformAccount, existingID string) (bool, error) {
	q := url.Values{}
	q.Set("access_token", cred.AccessToken)
	res, err := f.api.do(ctx, http.MethodDelete, f.api.baseURL+"/"+url.PathEscape(existingID)+"?"+q.Encode(), nil, nil)
	if err != nil {
		return false, err
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := decodeInto(res.Body, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

type fbPostsResp struct {
	Data []struct {
		ID          string `json:"id"`
		Message     string `json:"message"`
		CreatedTime string `json:"created_time"`
		Permalink   string `json:"permalink_url"`
		FullPicture string `json:"full_picture"`
	} `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

func (f *Facebook) ListPosts(ctx context.Context, cred models.PlatformAccount, cursor string, limit int) (Page, error) {
	if cred.AccountID == "" {
		return Page{}, errors.New("facebook_missing_page_id")
	}
	q := url.Values{}
	q.Set("fields", "id,message,created_time,permalink_url,full_picture")
	q.Set("limit", strconv.Itoa(clampLimit(limit, 25, 100)))
	if cursor != "" {
		q.Set("after", cursor)
	}
	var out fbPostsResp
	if _, err := graphGet(ctx, f.api, f.api.baseURL+"/"+url.PathEscape(cred.AccountID)+"/posts", cred.AccessToken, q, &out); err != nil {
		return Page{}, err
	}
	page := Page{}
	if out.Paging.Next != "" {
		page.NextCursor = out.Paging.Cursors.After
	}
	for _, d := range out.Data {
		page.Items = append(page.Items, models.PlatformPostSummary{
			ID:        d.ID,
			Caption:   d.Message,
			Permalink: d.Permalink,
			MediaURL:  d.FullPicture,
			PostedAt:  parseTime(graphTimeLayout, d.CreatedTime),
		})
	}
	return page, nil
}
