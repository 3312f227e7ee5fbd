package posts

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/crosspost/internal/apperr"
	"github.com/PortNumber53/crosspost/internal/media"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/platforms"
	"github.com/PortNumber53/crosspost/internal/quota"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/google/uuid"
)

const (
	EventPostCreated = "post.created"
	EventPostUpdated = "post.updated"
	EventPostDeleted = "post.deleted"
)

// Notifier receives post lifecycle events, e.g. to push them over a websocket.
type Notifier interface {
	Notify(userID, eventType, refID string)
}

// Upload is a media file received with a request, staged before publishing.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

type CreateRequest struct {
	UserID    string
	Caption   string
	MediaURLs []string
	Uploads   []Upload
	Platforms []models.Platform // empty means models.DefaultTargets
}

type EditRequest struct {
	PostID    string
	UserID    string
	Caption   string
	MediaURLs []string
	Uploads   []Upload
}

// Outcome is the uniform result envelope of every orchestrator operation.
type Outcome struct {
	OK      bool                                          `json:"ok"`
	Message string                                        `json:"message"`
	Post    *models.Post                                  `json:"post,omitempty"`
	Results map[models.Platform]models.PlatformPostResult `json:"results,omitempty"`
}

// History is one platform's slice of the aggregate history view.
type History struct {
	Items      []models.PlatformPostSummary `json:"items"`
	NextCursor string                       `json:"nextCursor,omitempty"`
	Error      string                       `json:"error,omitempty"`
}

type Orchestrator struct {
	Store     store.UnitOfWork
	Platforms *platforms.Registry
	Media     media.Store
	Notifier  Notifier
	Logger    *log.Logger
	Now       func() time.Time
}

func (o *Orchestrator) EnsureDefaults() {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Orchestrator) notify(userID, eventType, refID string) {
	if o.Notifier != nil {
		o.Notifier.Notify(userID, eventType, refID)
	}
}

// fanOut runs call once per platform concurrently and waits for all of them.
func fanOut[T any](targets []models.Platform, call func(models.Platform) T) map[models.Platform]T {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[models.Platform]T, len(targets))
	)
	for _, p := range targets {
		wg.Add(1)
		go func(p models.Platform) {
			defer wg.Done()
			v := call(p)
			mu.Lock()
			out[p] = v
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return out
}

func (o *Orchestrator) resolveTargets(requested []models.Platform) ([]models.Platform, error) {
	if len(requested) == 0 {
		requested = models.DefaultTargets
	}
	seen := make(map[models.Platform]bool, len(requested))
	out := make([]models.Platform, 0, len(requested))
	for _, p := range requested {
		if seen[p] {
			continue
		}
		if _, ok := o.Platforms.Get(p); !ok {
			return nil, apperr.Validation(fmt.Sprintf("unsupported platform %q", p))
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

func (o *Orchestrator) stage(ctx context.Context, userID string, urls []string, uploads []Upload) ([]string, error) {
	out := make([]string, 0, len(urls)+len(uploads))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	if len(uploads) == 0 {
		return out, nil
	}
	if o.Media == nil {
		return nil, apperr.Validation("media uploads are not enabled")
	}
	for _, up := range uploads {
		u, err := o.Media.Put(ctx, userID, up.Filename, up.ContentType, up.Body)
		if err != nil {
			return nil, fmt.Errorf("stage media %s: %w", up.Filename, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func appendUnique(dst []string, more ...string) []string {
	for _, m := range more {
		dup := false
		for _, d := range dst {
			if d == m {
				dup = true
				break
			}
		}
		if !dup && m != "" {
			dst = append(dst, m)
		}
	}
	return dst
}

func summarize(verb string, results map[models.Platform]models.PlatformPostResult) string {
	ok := 0
	var missed []string
	for _, p := range models.AllPlatforms {
		r, present := results[p]
		if !present {
			continue
		}
		if r.Success {
			ok++
		} else {
			missed = append(missed, string(p))
		}
	}
	msg := fmt.Sprintf("%s on %d of %d platforms", verb, ok, len(results))
	if len(missed) > 0 {
		msg += " (not " + strings.Join(missed, ", ") + ")"
	}
	return msg
}

// CreatePost checks the subscription and quota, publishes to every target platform
// concurrently and records one post. The usage counter grows by exactly one no matter
// how many platforms succeed; only a persistence failure fails the operation.
func (o *Orchestrator) CreatePost(ctx context.Context, req CreateRequest) (Outcome, error) {
	o.EnsureDefaults()
	if strings.TrimSpace(req.UserID) == "" {
		return Outcome{}, apperr.Validation("userId is required")
	}
	if strings.TrimSpace(req.Caption) == "" && len(req.MediaURLs) == 0 && len(req.Uploads) == 0 {
		return Outcome{}, apperr.Validation("caption or media is required")
	}
	targets, err := o.resolveTargets(req.Platforms)
	if err != nil {
		return Outcome{}, err
	}

	customer, found, err := o.Store.GetCustomer(ctx, req.UserID)
	if err != nil {
		return Outcome{}, apperr.Persistence("load customer", err)
	}
	if !found {
		return Outcome{}, apperr.NotFound("customer not found")
	}
	sub, found, err := o.Store.ActiveSubscription(ctx, req.UserID)
	if err != nil {
		return Outcome{}, apperr.Persistence("load subscription", err)
	}
	if !found {
		return Outcome{}, apperr.NotSubscribed("an active subscription is required to post")
	}
	plan, found, err := o.Store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return Outcome{}, apperr.Persistence("load plan", err)
	}
	if !found {
		return Outcome{}, apperr.NotSubscribed("subscription plan no longer exists")
	}
	if !quota.Allow(plan.Tier, sub.PostsUsed) {
		limit, _ := quota.Limit(plan.Tier)
		o.Logger.Printf("[PostOrchestrator] quota_denied userId=%s tier=%s used=%d limit=%d", req.UserID, plan.Tier, sub.PostsUsed, limit)
		return Outcome{}, apperr.QuotaExceeded(fmt.Sprintf("post limit reached for the %s plan (%d of %d used this period)", plan.Tier, sub.PostsUsed, limit))
	}

	mediaURLs, err := o.stage(ctx, req.UserID, req.MediaURLs, req.Uploads)
	if err != nil {
		return Outcome{}, err
	}

	results := fanOut(targets, func(p models.Platform) models.PlatformPostResult {
		acct := customer.Account(p)
		if !acct.Connected() {
			return platforms.NotAttempted(p, "not_connected")
		}
		a, _ := o.Platforms.Get(p)
		return platforms.SafeCreate(ctx, a, acct, req.Caption, mediaURLs)
	})

	now := o.Now().UTC()
	post := models.Post{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Caption:   req.Caption,
		MediaURLs: appendUnique(nil, mediaURLs...),
		Refs:      make(map[models.Platform]models.PlatformRef),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, p := range targets {
		r := results[p]
		if !r.Success {
			if r.Attempted {
				o.Logger.Printf("[PostOrchestrator] platform_failed userId=%s platform=%s raw=%s", req.UserID, p, r.Raw)
			}
			continue
		}
		post.Refs[p] = models.PlatformRef{PostID: r.PostID, Permalink: r.Permalink}
		post.MediaURLs = appendUnique(post.MediaURLs, r.MediaURLs...)
	}

	err = o.Store.InTx(ctx, func(tx store.Repository) error {
		if err := tx.InsertPost(ctx, post); err != nil {
			return err
		}
		counted, err := tx.IncrementUsage(ctx, sub.ID, now)
		if err != nil {
			return err
		}
		if !counted {
			o.Logger.Printf("[PostOrchestrator] usage_not_counted userId=%s subscriptionId=%s reason=inactive", req.UserID, sub.ID)
		}
		return nil
	})
	if err != nil {
		o.Logger.Printf("[PostOrchestrator] persist_failed userId=%s err=%v", req.UserID, err)
		return Outcome{OK: false, Message: "failed to save post", Results: results}, apperr.Persistence("save post", err)
	}

	o.Logger.Printf("[PostOrchestrator] created userId=%s postId=%s targets=%v published=%d", req.UserID, post.ID, targets, len(post.Refs))
	o.notify(req.UserID, EventPostCreated, post.ID)
	return Outcome{OK: true, Message: summarize("published", results), Post: &post, Results: results}, nil
}

// EditPost re-publishes to the platforms the post already lives on. Platforms never
// posted to are left alone. A failed edit keeps the stored id so the platform copy stays
// tracked for a later delete.
func (o *Orchestrator) EditPost(ctx context.Context, req EditRequest) (Outcome, error) {
	o.EnsureDefaults()
	post, err := o.loadPost(ctx, req.PostID, req.UserID)
	if err != nil {
		return Outcome{}, err
	}
	customer, found, err := o.Store.GetCustomer(ctx, req.UserID)
	if err != nil {
		return Outcome{}, apperr.Persistence("load customer", err)
	}
	if !found {
		return Outcome{}, apperr.NotFound("customer not found")
	}

	mediaURLs, err := o.stage(ctx, req.UserID, req.MediaURLs, req.Uploads)
	if err != nil {
		return Outcome{}, err
	}
	if len(mediaURLs) == 0 {
		mediaURLs = append([]string(nil), post.MediaURLs...)
	}

	targets := post.PublishedOn()
	results := fanOut(targets, func(p models.Platform) models.PlatformPostResult {
		acct := customer.Account(p)
		a, ok := o.Platforms.Get(p)
		if !acct.Connected() || !ok {
			return platforms.NotAttempted(p, "not_connected")
		}
		return platforms.SafeEdit(ctx, a, acct, post.Ref(p).PostID, req.Caption, mediaURLs)
	})

	post.Caption = req.Caption
	post.MediaURLs = appendUnique(nil, mediaURLs...)
	for _, p := range targets {
		r := results[p]
		if !r.Success {
			o.Logger.Printf("[PostOrchestrator] edit_failed postId=%s platform=%s raw=%s", post.ID, p, r.Raw)
			continue
		}
		prev := post.Ref(p)
		ref := models.PlatformRef{PostID: r.PostID, Permalink: r.Permalink}
		if ref.Permalink == "" && ref.PostID == prev.PostID {
			ref.Permalink = prev.Permalink
		}
		post.Refs[p] = ref
		post.MediaURLs = appendUnique(post.MediaURLs, r.MediaURLs...)
	}
	post.UpdatedAt = o.Now().UTC()

	if err := o.Store.UpdatePost(ctx, post); err != nil {
		o.Logger.Printf("[PostOrchestrator] persist_failed postId=%s err=%v", post.ID, err)
		return Outcome{OK: false, Message: "failed to save post", Results: results}, apperr.Persistence("update post", err)
	}
	o.notify(req.UserID, EventPostUpdated, post.ID)
	msg := summarize("updated", results)
	if len(targets) == 0 {
		msg = "updated locally; the post is not live on any platform"
	}
	return Outcome{OK: true, Message: msg, Post: &post, Results: results}, nil
}

// DeletePost asks every platform holding a copy to delete it, then soft-deletes the
// local row whatever the platforms answered.
func (o *Orchestrator) DeletePost(ctx context.Context, postID, userID string) (Outcome, error) {
	o.EnsureDefaults()
	post, err := o.loadPost(ctx, postID, userID)
	if err != nil {
		return Outcome{}, err
	}
	customer, _, err := o.Store.GetCustomer(ctx, userID)
	if err != nil {
		return Outcome{}, apperr.Persistence("load customer", err)
	}

	results := fanOut(post.PublishedOn(), func(p models.Platform) models.PlatformPostResult {
		acct := customer.Account(p)
		a, ok := o.Platforms.Get(p)
		if !acct.Connected() || !ok {
			return platforms.NotAttempted(p, "not_connected")
		}
		id := post.Ref(p).PostID
		deleted, err := platforms.SafeDelete(ctx, a, acct, id)
		res := models.PlatformPostResult{Platform: p, Attempted: true, Success: deleted && err == nil, PostID: id}
		if err != nil {
			res.Raw = err.Error()
			o.Logger.Printf("[PostOrchestrator] platform_delete_failed postId=%s platform=%s err=%v", post.ID, p, err)
		} else if !deleted {
			res.Raw = "platform did not confirm deletion"
		}
		return res
	})

	now := o.Now().UTC()
	if _, err := o.Store.SoftDeletePost(ctx, post.ID, userID, now); err != nil {
		return Outcome{OK: false, Message: "failed to delete post", Results: results}, apperr.Persistence("delete post", err)
	}
	post.Deleted = true
	post.DeletedAt = &now
	o.notify(userID, EventPostDeleted, post.ID)
	return Outcome{OK: true, Message: summarize("deleted", results), Post: &post, Results: results}, nil
}

func (o *Orchestrator) loadPost(ctx context.Context, postID, userID string) (models.Post, error) {
	if strings.TrimSpace(postID) == "" || strings.TrimSpace(userID) == "" {
		return models.Post{}, apperr.Validation("postId and userId are required")
	}
	post, found, err := o.Store.GetPost(ctx, postID, userID)
	if err != nil {
		return models.Post{}, apperr.Persistence("load post", err)
	}
	if !found || post.Deleted {
		return models.Post{}, apperr.NotFound("post not found")
	}
	if post.Refs == nil {
		post.Refs = make(map[models.Platform]models.PlatformRef)
	}
	return post, nil
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListPosts returns the user's local posts, newest first.
func (o *Orchestrator) ListPosts(ctx context.Context, userID string, start, limit int) ([]models.Post, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("userId is required")
	}
	if start < 0 {
		start = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	out, err := o.Store.ListPosts(ctx, userID, start, limit)
	if err != nil {
		return nil, apperr.Persistence("list posts", err)
	}
	return out, nil
}

// PlatformHistory fetches each connected platform's own post listing concurrently.
// Unconnected platforms are omitted; a failing platform reports its error in place.
func (o *Orchestrator) PlatformHistory(ctx context.Context, userID string, cursors map[models.Platform]string, limit int) (map[models.Platform]History, error) {
	o.EnsureDefaults()
	customer, found, err := o.Store.GetCustomer(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("load customer", err)
	}
	if !found {
		return nil, apperr.NotFound("customer not found")
	}
	var connected []models.Platform
	for _, p := range o.Platforms.Platforms() {
		if customer.Connected(p) {
			connected = append(connected, p)
		}
	}
	return fanOut(connected, func(p models.Platform) History {
		a, _ := o.Platforms.Get(p)
		page, err := platforms.SafeList(ctx, a, customer.Account(p), cursors[p], limit)
		if err != nil {
			o.Logger.Printf("[PostOrchestrator] history_failed userId=%s platform=%s err=%v", userID, p, err)
			return History{Items: []models.PlatformPostSummary{}, Error: err.Error()}
		}
		if page.Items == nil {
			page.Items = []models.PlatformPostSummary{}
		}
		return History{Items: page.Items, NextCursor: page.NextCursor}
	}), nil
}
