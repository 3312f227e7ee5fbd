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

// YouTube uploads the first media item as a video through the Data API v3 resumable
// upload protocol. The caption's first line becomes the title.
type YouTube struct {
	api api
}

func NewYouTube(o Options) *YouTube {
	return &YouTube{api: newAPI(models.PlatformYouTube, "https://www.googleapis.com", o)}
}

func (y *YouTube) Platform() models.Platform { return models.PlatformYouTube }

func youtubePermalink(id string) string {
	return "https://www.youtube.com/watch?v=" + url.QueryEscape(id)
}

func youtubeSnippet(caption string) map[string]any {
	title := strings.TrimSpace(caption)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if len(title) > 100 {
		title = title[:100]
	}
	if title == "" {
		title = "Untitled"
	}
	return map[string]any{
		"title":       title,
		"description": caption,
		"categoryId":  "22",
	}
}

func (y *YouTube) CreatePost(ctx context.Context, cred models.PlatformAccount, caption string, media []string) models.PlatformPostResult {
	if len(media) == 0 {
		return failed(y.Platform(), errors.New("youtube_requires_video"))
	}

	src, err := http.NewRequestWithContext(ctx, http.MethodGet, media[0], nil)
	if err != nil {
		return failed(y.Platform(), err)
	}
	dl, err := y.api.client.Do(src)
	if err != nil {
		return failed(y.Platform(), fmt.Errorf("youtube_media_fetch_failed err=%v", err))
	}
	defer dl.Body.Close()
	if dl.StatusCode < 200 || dl.StatusCode >= 300 {
		return failed(y.Platform(), fmt.Errorf("youtube_media_fetch_failed status=%d", dl.StatusCode))
	}
	contentType := dl.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/*"
	}

	meta := map[string]any{
		"snippet": youtubeSnippet(caption),
		"status":  map[string]any{"privacyStatus": "public"},
	}
	initURL := y.api.baseURL + "/upload/youtube/v3/videos?uploadType=resumable&part=snippet,status"
	initRes, err := y.api.doJSON(ctx, http.MethodPost, initURL, cred.AccessToken, meta, nil)
	if err != nil {
		return failed(y.Platform(), err)
	}
	session := initRes.Header.Get("Location")
	if session == "" {
		return failed(y.Platform(), errors.New("youtube_missing_upload_session"))
	}
	if strings.HasPrefix(session, "/") {
		session = y.api.baseURL + session
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+cred.AccessToken)
	hdr.Set("Content-Type", contentType)
	res, err := y.api.do(ctx, http.MethodPut, session, dl.Body, hdr)
	if err != nil {
		return failed(y.Platform(), err)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := decodeInto(res.Body, &out); err != nil || out.ID == "" {
		return failed(y.Platform(), fmt.Errorf("youtube_missing_id body=%s", truncate(string(res.Body), 300)))
	}
	return succeeded(y.Platform(), out.ID, youtubePermalink(out.ID), media[:1], string(res.Body))
}

// EditPost updates title and description. Replacing the video file is not supported
// by the API, so new media is ignored.
func (y *YouTube) EditPost(ctx context.Context, cred models.PlatformAccount, existingID, caption string, media []string) models.PlatformPostResult {
	body := map[string]any{
		"id":      existingID,
		"snippet": youtubeSnippet(caption),
	}
	var out struct {
		ID string `json:"id"`
	}
	res, err := y.api.doJSON(ctx, http.MethodPut, y.api.baseURL+"/youtube/v3/videos?part=snippet", cred.AccessToken, body, &out)
	if err != nil {
		return failed(y.Platform(), err)
	}
	id := out.ID
	if id == "" {
		id = existingID
	}
	return succeeded(y.Platform(), id, youtubePermalink(id), nil, string(res.Body))
}

func (y *YouTube) DeletePost(ctx context.Context, cred models.PlatformAccount, existingID string) (bool, error) {
	endpoint := y.api.baseURL + "/youtube/v3/videos?id=" + url.QueryEscape(existingID)
	if _, err := y.api.doJSON(ctx, http.MethodDelete, endpoint, cred.AccessToken, nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

type ytSearchResp struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			Title       string `json:"title"`
			PublishedAt string `json:"publishedAt"`
			Thumbnails  struct {
				Default struct {
					URL string `json:"url"`
				} `json:"default"`
			} `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

func (y *YouTube) ListPosts(ctx context.Context, cred models.PlatformAccount, cursor string, limit int) (Page, error) {
	q := url.Values{}
	q.Set("part", "snippet")
	q.Set("forMine", "true")
	q.Set("type", "video")
	q.Set("order", "date")
	q.Set("maxResults", strconv.Itoa(clampLimit(limit, 25, 50)))
	if cursor != "" {
		q.Set("pageToken", cursor)
	}
	var out ytSearchResp
	if _, err := y.api.doJSON(ctx, http.MethodGet, y.api.baseURL+"/youtube/v3/search?"+q.Encode(), cred.AccessToken, nil, &out); err != nil {
		return Page{}, err
	}
	page := Page{NextCursor: out.NextPageToken}
	for _, it := range out.Items {
		if it.ID.VideoID == "" {
			continue
		}
		page.Items = append(page.Items, models.PlatformPostSummary{
			ID:        it.ID.VideoID,
			Caption:   it.Snippet.Title,
			Permalink: youtubePermalink(it.ID.VideoID),
			MediaURL:  it.Snippet.Thumbnails.Default.URL,
			PostedAt:  parseTime(time.RFC3339, it.Snippet.PublishedAt),
		})
	}
	return page, nil
}
