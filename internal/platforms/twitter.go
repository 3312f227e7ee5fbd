package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
)

// Twitter publishes through the X API v2. The API has no edit endpoint, so edits
// replace the tweet and return the new id.
type Twitter struct {
	api api
}

func NewTwitter(o Options) *Twitter {
	return &Twitter{api: newAPI(models.PlatformTwitter, "https://api.twitter.com", o)}
}

func (t *Twitter) Platform() models.Platform { return models.PlatformTwitter }

type tweetCreateResp struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

func tweetText(caption string, media []string) string {
	parts := []string{strings.TrimSpace(caption)}
	for _, m := range media {
		if strings.TrimSpace(m) != "" {
			parts = append(parts, m)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func tweetPermalink(id string) string {
	return "https://x.com/i/web/status/" + url.PathEscape(id)
}

func (t *Twitter) CreatePost(ctx context.Context, cred models.PlatformAccount, caption string, media []string) models.PlatformPostResult {
	text := tweetText(caption, media)
	if text == "" {
		return failed(t.Platform(), errors.New("twitter_empty_text"))
	}
	var out tweetCreateResp
	res, err := t.api.doJSON(ctx, http.MethodPost, t.api.baseURL+"/2/tweets", cred.AccessToken, map[string]any{"text": text}, &out)
	if err != nil {
		return failed(t.Platform(), err)
	}
	if out.Data.ID == "" {
		return failed(t.Platform(), fmt.Errorf("twitter_missing_id body=%s", truncate(string(res.Body), 300)))
	}
	return succeeded(t.Platform(), out.Data.ID, tweetPermalink(out.Data.ID), media, string(res.Body))
}

func (t *Twitter) EditPost(ctx context.Context, cred models.PlatformAccount, existingID, caption string, media []string) models.PlatformPostResult {
	created := t.CreatePost(ctx, cred, caption, media)
	if !created.Success {
		return created
	}
	if _, err := t.DeletePost(ctx, cred, existingID); err != nil {
		created.Raw = truncate("replaced; old tweet delete failed: "+err.Error(), 600)
	}
	return created
}

func (t *Twitter) DeletePost(ctx context.Context, cred models.PlatformAccount, existingID string) (bool, error) {
	var out struct {
		Data struct {
			Deleted bool `json:"deleted"`
		} `json:"data"`
	}
	endpoint := t.api.baseURL + "/2/tweets/" + url.PathEscape(existingID)
	if _, err := t.api.doJSON(ctx, http.MethodDelete, endpoint, cred.AccessToken, nil, &out); err != nil {
		return false, err
	}
	return out.Data.Deleted, nil
}

type tweetListResp struct {
	Data []struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		CreatedAt string `json:"created_at"`
	} `json:"data"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

func (t *Twitter) ListPosts(ctx context.Context, cred models.PlatformAccount, cursor string, limit int) (Page, error) {
	if cred.AccountID == "" {
		return Page{}, errors.New("twitter_missing_account_id")
	}
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(clampLimit(limit, 10, 100)))
	q.Set("tweet.fields", "created_at")
	if cursor != "" {
		q.Set("pagination_token", cursor)
	}
	endpoint := t.api.baseURL + "/2/users/" + url.PathEscape(cred.AccountID) + "/tweets?" + q.Encode()
	var out tweetListResp
	if _, err := t.api.doJSON(ctx, http.MethodGet, endpoint, cred.AccessToken, nil, &out); err != nil {
		return Page{}, err
	}
	page := Page{NextCursor: out.Meta.NextToken}
	for _, d := range out.Data {
		page.Items = append(page.Items, models.PlatformPostSummary{
			ID:        d.ID,
			Caption:   d.Text,
			Permalink: tweetPermalink(d.ID),
			PostedAt:  parseTime(time.RFC3339, d.CreatedAt),
		})
	}
	return page, nil
}
