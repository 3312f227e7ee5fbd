package platforms

import (
	"context"
	"fmt"
	"strings"

	"github.com/PortNumber53/crosspost/internal/models"
)

// Adapter publishes to one external platform. Implementations report failures in the
// returned result rather than panicking, but callers still go through the Safe* wrappers.
type Adapter interface {
	Platform() models.Platform
	CreatePost(ctx context.Context, cred models.PlatformAccount, caption string, media []string) models.PlatformPostResult
	EditPost(ctx context.Context, cred models.PlatformAccount, existingID, caption string, media []string) models.PlatformPostResult
	DeletePost(ctx context.Context, cred models.PlatformAccount, existingID string) (bool, error)
	ListPosts(ctx context.Context, cred models.PlatformAccount, cursor string, limit int) (Page, error)
}

// Page is one window of a platform's own post history.
type Page struct {
	Items      []models.PlatformPostSummary `json:"items"`
	NextCursor string                       `json:"nextCursor,omitempty"`
}

func succeeded(p models.Platform, id, permalink string, media []string, raw string) models.PlatformPostResult {
	return models.PlatformPostResult{
		Platform:  p,
		Attempted: true,
		Success:   true,
		PostID:    id,
		Permalink: permalink,
		MediaURLs: media,
		Raw:       truncate(raw, 600),
	}
}

func failed(p models.Platform, err error) models.PlatformPostResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return models.PlatformPostResult{
		Platform:  p,
		Attempted: true,
		Success:   false,
		Raw:       truncate(msg, 600),
	}
}

// NotAttempted is the result for a platform that was never contacted.
func NotAttempted(p models.Platform, reason string) models.PlatformPostResult {
	return models.PlatformPostResult{Platform: p, Attempted: false, Success: false, Raw: reason}
}

// normalize enforces the result contract: success needs a non-empty id and failure
// needs a diagnostic.
func normalize(p models.Platform, res models.PlatformPostResult) models.PlatformPostResult {
	res.Platform = p
	res.Attempted = true
	if res.Success && strings.TrimSpace(res.PostID) == "" {
		res.Success = false
		res.Raw = "adapter reported success without a platform post id"
	}
	if !res.Success {
		res.PostID = ""
		res.Permalink = ""
		if strings.TrimSpace(res.Raw) == "" {
			res.Raw = "adapter reported failure without a diagnostic"
		}
	}
	return res
}

func panicErr(op string, p models.Platform, r any) error {
	return fmt.Errorf("%s_%s_panic: %v", p, op, r)
}

// SafeCreate calls a.CreatePost, converting a panic into a failed result.
func SafeCreate(ctx context.Context, a Adapter, cred models.PlatformAccount, caption string, media []string) (res models.PlatformPostResult) {
	p := a.Platform()
	defer func() {
		if r := recover(); r != nil {
			res = failed(p, panicErr("create", p, r))
		}
	}()
	return normalize(p, a.CreatePost(ctx, cred, caption, media))
}

// SafeEdit calls a.EditPost, converting a panic into a failed result.
func SafeEdit(ctx context.Context, a Adapter, cred models.PlatformAccount, existingID, caption string, media []string) (res models.PlatformPostResult) {
	p := a.Platform()
	defer func() {
		if r := recover(); r != nil {
			res = failed(p, panicErr("edit", p, r))
		}
	}()
	return normalize(p, a.EditPost(ctx, cred, existingID, caption, media))
}

// SafeDelete calls a.DeletePost, converting a panic into an error.
func SafeDelete(ctx context.Context, a Adapter, cred models.PlatformAccount, existingID string) (ok bool, err error) {
	p := a.Platform()
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, panicErr("delete", p, r)
		}
	}()
	return a.DeletePost(ctx, cred, existingID)
}

// SafeList calls a.ListPosts, converting a panic into an error.
func SafeList(ctx context.Context, a Adapter, cred models.PlatformAccount, cursor string, limit int) (page Page, err error) {
	p := a.Platform()
	defer func() {
		if r := recover(); r != nil {
			page, err = Page{}, panicErr("list", p, r)
		}
	}()
	return a.ListPosts(ctx, cred, cursor, limit)
}
