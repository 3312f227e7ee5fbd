package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
)

// LinkedIn shares to a member feed through the UGC posts API. AccountID is the member id.
type LinkedIn struct {
	api api
}

func NewLinkedIn(o Options) *LinkedIn {
	return &LinkedIn{api: newAPI(models.PlatformLinkedIn, "https://api.linkedin.com", o)}
}

func (l *LinkedIn) Platform() models.Platform { return models.PlatformLinkedIn }

func linkedinAuthor(accountID string) string {
	return "urn:li:person:" + accountID
}

func linkedinPermalink(urn string) string {
	return "https://www.linkedin.com/feed/update/" + urn
}

func linkedinHeaders(method string) http.Header {
	hdr := http.Header{}
	hdr.Set("X-Restli-Protocol-Version", "2.0.0")
	if method != "" {
		hdr.Set("X-RestLi-Method", method)
	}
	return hdr
}

func (l *LinkedIn) CreatePost(ctx context.Context, cred models.PlatformAccount, caption string, media []string) models.PlatformPostResult {
	if cred.AccountID == "" {
		return failed(l.Platform(), errors.New("linkedin_missing_member_id"))
	}
	category := "NONE"
	items := make([]map[string]any, 0, len(media))
	for _, m := range media {
		items = append(items, map[string]any{"status": "READY", "originalUrl": m})
	}
	if len(items) > 0 {
		category = "ARTICLE"
	}
	share := map[string]any{
		"shareCommentary":    map[string]any{"text": caption},
		"shareMediaCategory": category,
	}
	if len(items) > 0 {
		share["media"] = items
	}
	body := map[string]any{
		"author":          linkedinAuthor(cred.AccountID),
		"lifecycleState":  "PUBLISHED",
		"specificContent": map[string]any{"com.linkedin.ugc.ShareContent": share},
		"visibility":      map[string]any{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}
	var out struct {
		ID string `json:"id"`
	}
	res, err := l.api.doJSONWith(ctx, http.MethodPost, l.api.baseURL+"/v2/ugcPosts", cred.AccessToken, linkedinHeaders(""), body, &out)
	if err != nil {
		return failed(l.Platform(), err)
	}
	id := out.ID
	if id == "" {
		id = res.Header.Get("X-RestLi-Id")
	}
	if id == "" {
		return failed(l.Platform(), fmt.Errorf("linkedin_missing_id body=%s", truncate(string(res.Body), 300)))
	}
	return succeeded(l.Platform(), id, linkedinPermalink(id), media, string(res.Body))
}

// EditPost updates the commentary with a partial update. Media cannot be changed after publishing.
func (l *LinkedIn) EditPost(ctx context.Context, cred models.PlatformAccount, existingID, caption string, media []string) models.PlatformPostResult {
	body := map[string]any{
		"patch": map[string]any{
			"$set": map[string]any{"commentary": caption},
		},
	}
	endpoint := l.api.baseURL + "/rest/posts/" + url.PathEscape(existingID)
	res, err := l.api.doJSONWith(ctx, http.MethodPost, endpoint, cred.AccessToken, linkedinHeaders("PARTIAL_UPDATE"), body, nil)
	if err != nil {
		return failed(l.Platform(), err)
	}
	return succeeded(l.Platform(), existingID, linkedinPermalink(existingID), nil, string(res.Body))
}

func (l *LinkedIn) DeletePost(ctx context.Context, cred models.PlatformAccount, existingID string) (bool, error) {
	endpoint := l.api.baseURL + "/v2/ugcPosts/" + url.PathEscape(existingID)
	if _, err := l.api.doJSONWith(ctx, http.MethodDelete, endpoint, cred.AccessToken, linkedinHeaders(""), nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

type linkedinListResp struct {
	Elements []struct {
		ID      string `json:"id"`
		Created struct {
			Time int64 `json:"time"`
		} `json:"created"`
		SpecificContent struct {
			Share struct {
				ShareCommentary struct {
					Text string `json:"text"`
				} `json:"shareCommentary"`
			} `json:"com.linkedin.ugc.ShareContent"`
		} `json:"specificContent"`
	} `json:"elements"`
	Paging struct {
		Start int `json:"start"`
		Count int `json:"count"`
		Total int `json:"total"`
	} `json:"paging"`
}

// ListPosts pages by offset; the cursor is the next start index.
func (l *LinkedIn) ListPosts(ctx context.Context, cred models.PlatformAccount, cursor string, limit int) (Page, error) {
	if cred.AccountID == "" {
		return Page{}, errors.New("linkedin_missing_member_id")
	}
	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n > 0 {
			start = n
		}
	}
	count := clampLimit(limit, 20, 50)
	q := url.Values{}
	q.Set("q", "authors")
	q.Set("authors", "List("+linkedinAuthor(cred.AccountID)+")")
	q.Set("start", strconv.Itoa(start))
	q.Set("count", strconv.Itoa(count))
	var out linkedinListResp
	if _, err := l.api.doJSONWith(ctx, http.MethodGet, l.api.baseURL+"/v2/ugcPosts?"+q.Encode(), cred.AccessToken, linkedinHeaders(""), nil, &out); err != nil {
		return Page{}, err
	}
	page := Page{}
	if next := start + len(out.Elements); len(out.Elements) == count && (out.Paging.Total == 0 || next < out.Paging.Total) {
		page.NextCursor = strconv.Itoa(next)
	}
	for _, e := range out.Elements {
		var posted *time.Time
		if e.Created.Time > 0 {
			t := time.UnixMilli(e.Created.Time).UTC()
			posted = &t
		}
		page.Items = append(page.Items, models.PlatformPostSummary{
			ID:        e.ID,
			Caption:   e.SpecificContent.Share.ShareCommentary.Text,
			Permalink: linkedinPermalink(e.ID),
			PostedAt:  posted,
		})
	}
	return page, nil
}
