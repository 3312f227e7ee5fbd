package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
)

// platformColumns lists "<p>_post_id, <p>_permalink" pairs in models.AllPlatforms order.
var platformColumns = func() string {
	cols := make([]string, 0, len(models.AllPlatforms)*2)
	for _, p := range models.AllPlatforms {
		cols = append(cols, string(p)+"_post_id", string(p)+"_permalink")
	}
	return strings.Join(cols, ", ")
}()

var postColumns = "id, user_id, caption, media_urls, " + platformColumns + ", deleted, deleted_at, created_at, updated_at"

func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

func platformArgs(p models.Post) []any {
	args := make([]any, 0, len(models.AllPlatforms)*2)
	for _, pl := range models.AllPlatforms {
		ref := p.Ref(pl)
		args = append(args, nullString(ref.PostID), nullString(ref.Permalink))
	}
	return args
}

func encodeMedia(urls []string) (string, error) {
	if urls == nil {
		urls = []string{}
	}
	b, err := json.Marshal(urls)
	return string(b), err
}

func scanPost(s rowScanner) (models.Post, error) {
	var p models.Post
	var media string
	var deletedAt sql.NullTime
	refs := make([]sql.NullString, len(models.AllPlatforms)*2)
	dest := []any{&p.ID, &p.UserID, &p.Caption, &media}
	for i := range refs {
		dest = append(dest, &refs[i])
	}
	dest = append(dest, &p.Deleted, &deletedAt, &p.CreatedAt, &p.UpdatedAt)
	if err := s.Scan(dest...); err != nil {
		return models.Post{}, err
	}
	p.MediaURLs = []string{}
	if strings.TrimSpace(media) != "" {
		if err := json.Unmarshal([]byte(media), &p.MediaURLs); err != nil {
			return models.Post{}, fmt.Errorf("decode media_urls post=%s: %w", p.ID, err)
		}
	}
	p.Refs = make(map[models.Platform]models.PlatformRef)
	for i, pl := range models.AllPlatforms {
		id, link := refs[2*i], refs[2*i+1]
		if id.Valid || link.Valid {
			p.Refs[pl] = models.PlatformRef{PostID: id.String, Permalink: link.String}
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		p.DeletedAt = &t
	}
	return p, nil
}

func (r repo) InsertPost(ctx context.Context, p models.Post) error {
	media, err := encodeMedia(p.MediaURLs)
	if err != nil {
		return err
	}
	n := len(models.AllPlatforms) * 2
	args := []any{p.ID, p.UserID, p.Caption, media}
	args = append(args, platformArgs(p)...)
	args = append(args, p.Deleted, nullTime(p.DeletedAt), p.CreatedAt, p.UpdatedAt)
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO public.posts (`+postColumns+`)
		VALUES ($1, $2, $3, $4, `+placeholders(5, n)+`, `+placeholders(5+n, 4)+`)
	`, args...)
	return err
}

// GetPost is scoped to the owner; deleted rows are returned with Deleted=true.
func (r repo) GetPost(ctx context.Context, id, userID string) (models.Post, bool, error) {
	p, err := scanPost(r.q.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		FROM public.posts
		WHERE id = $1 AND user_id = $2
	`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Post{}, false, nil
	}
	if err != nil {
		return models.Post{}, false, err
	}
	return p, true, nil
}

func (r repo) UpdatePost(ctx context.Context, p models.Post) error {
	media, err := encodeMedia(p.MediaURLs)
	if err != nil {
		return err
	}
	sets := make([]string, 0, len(models.AllPlatforms)*2)
	for i, pl := range models.AllPlatforms {
		sets = append(sets,
			fmt.Sprintf("%s_post_id = $%d", pl, 5+2*i),
			fmt.Sprintf("%s_permalink = $%d", pl, 6+2*i),
		)
	}
	next := 5 + len(models.AllPlatforms)*2
	args := []any{p.ID, p.UserID, p.Caption, media}
	args = append(args, platformArgs(p)...)
	args = append(args, p.UpdatedAt)
	_, err = r.q.ExecContext(ctx, `
		UPDATE public.posts
		SET caption = $3, media_urls = $4, `+strings.Join(sets, ", ")+fmt.Sprintf(`, updated_at = $%d`, next)+`
		WHERE id = $1 AND user_id = $2
	`, args...)
	return err
}

func (r repo) SoftDeletePost(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE public.posts
		SET deleted = TRUE, deleted_at = $3, updated_at = $3
		WHERE id = $1 AND user_id = $2 AND deleted = FALSE
	`, id, userID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r repo) ListPosts(ctx context.Context, userID string, start, limit int) ([]models.Post, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM public.posts
		WHERE user_id = $1 AND deleted = FALSE
		ORDER BY created_at DESC, id DESC
		OFFSET $2 LIMIT $3
	`, userID, start, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
