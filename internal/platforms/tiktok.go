package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
)

// TikTok publishes through the Content Posting API using PULL_FROM_URL, so media must
// already be publicly reachable. The returned id is the publish id; TikTok offers no
// edit or delete endpoints.
type TikTok struct {
	api api
}

func NewTikTok(o Options) *TikTok {
	return &TikTok{api: newAPI(models.PlatformTikTok, "https://open.tiktokapis.com", o)}
}

func (k *TikTok) Platform() models.Platform { return models.PlatformTikTok }

type tiktokError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e tiktokError) failed() bool {
	return e.Code != "" && !strings.EqualFold(e.Code, "ok")
}

func (k *TikTok) CreatePost(ctx context.Context, cred models.PlatformAccount, caption string, media []string) models.PlatformPostResult {
	if len(media) == 0 {
		return failed(k.Platform(), errors.New("tiktok_requires_video"))
	}
	body := map[string]any{
		"post_info": map[string]any{
			"title":         truncate(caption, 2200),
			"privacy_level": "SELF_ONLY",
		},
		"source_info": map[string]any{
			"source":    "PULL_FROM_URL",
			"video_url": media[0],
		},
	}
	var out struct {
		Data struct {
			PublishID string `json:"publish_id"`
		} `json:"data"`
		Error tiktokError `json:"error"`
	}
	res, err := k.api.doJSON(ctx, http.MethodPost, k.api.baseURL+"/v2/post/publish/video/init/", cred.AccessToken, body, &out)
	if err != nil {
		return failed(k.Platform(), err)
	}
	if out.Error.failed() {
		return failed(k.Platform(), fmt.Errorf("tiktok_error code=%s message=%s", out.Error.Code, out.Error.Message))
	}
	if out.Data.PublishID == "" {
		return failed(k.Platform(), fmt.Errorf("tiktok_missing_publish_id body=%s", truncate(string(res.Body), 300)))
	}
	return succeeded(k.Platform(), out.Data.PublishID, "", media[:1], string(res.Body))
}

func (k *TikTok) EditPost(ctx context.Context, cred models.PlatformAccount, existingID, caption string, media []string) models.PlatformPostResult {
	return failed(k.Platform(), fmt.Errorf("tiktok_edit_unsupported id=%s", existingID))
}

func (k *TikTok) DeletePost(ctx context.Context, cred models.PlatformAccount, existingID string) (bool, error) {
	return false, fmt.Errorf("tiktok_delete_unsupported id=%s", existingID)
}

type tiktokListResp struct {
	Data struct {
		Videos []struct {
			ID         string `json:"id"`
			Title      string `json:"title"`
			ShareURL   string `json:"share_url"`
			CoverImage string `json:"cover_image_url"`
			CreateTime int64  `json:"create_time"`
		} `json:"videos"`
		Cursor  int64 `json:"cursor"`
		HasMore bool  `json:"has_more"`
	} `json:"data"`
	Error tiktokError `json:"error"`
}

func (k *TikTok) ListPosts(ctx context.Context, cred models.PlatformAccount, cursor string, limit int) (Page, error) {
	body := map[string]any{"max_count": clampLimit(limit, 20, 20)}
	if cursor != "" {
		var c int64
		if _, err := fmt.Sscanf(cursor, "%d", &c); err == nil {
			body["cursor"] = c
		}
	}
	endpoint := k.api.baseURL + "/v2/video/list/?fields=id,title,share_url,cover_image_url,create_time"
	var out tiktokListResp
	if _, err := k.api.doJSON(ctx, http.MethodPost, endpoint, cred.AccessToken, body, &out); err != nil {
		return Page{}, err
	}
	if out.Error.failed() {
		return Page{}, fmt.Errorf("tiktok_error code=%s message=%s", out.Error.Code, out.Error.Message)
	}
	page := Page{}
	if out.Data.HasMore {
		page.NextCursor = fmt.Sprintf("%d", out.Data.Cursor)
	}
	for _, v := range out.Data.Videos {
		var posted *time.Time
		if v.CreateTime > 0 {
			t := time.Unix(v.CreateTime, 0).UTC()
			posted = &t
		}
		page.Items = append(page.Items, models.PlatformPostSummary{
			ID:        v.ID,
			Caption:   v.Title,
			Permalink: v.ShareURL,
			MediaURL:  v.CoverImage,
			PostedAt:  posted,
		})
	}
	return page, nil
}
