package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/PortNumber53/crosspost/internal/models"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetCustomer_WithPlatforms(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM public\.customers\s+WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "email", "name", "created_at"}).
			AddRow("u1", "a@example.com", "Ann", created))
	mock.ExpectQuery(`FROM public\.customer_platforms`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"platform", "access_token", "account_id", "handle"}).
			AddRow("twitter", "tok", "123", "@ann").
			AddRow("facebook", "", "page1", "Ann Page").
			AddRow("myspace", "tok", "", ""))

	c, found, err := s.GetCustomer(context.Background(), "u1")
	if err != nil || !found {
		t.Fatalf("expected found customer, found=%v err=%v", found, err)
	}
	if !c.Connected(models.PlatformTwitter) || c.Connected(models.PlatformFacebook) {
		t.Fatalf("unexpected connection state: %#v", c.Accounts)
	}
	if len(c.Accounts) != 2 {
		t.Fatalf("unknown platforms should be skipped, got %#v", c.Accounts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetCustomer_NotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`FROM public\.customers`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "email", "name", "created_at"}))

	_, found, err := s.GetCustomer(context.Background(), "nope")
	if err != nil || found {
		t.Fatalf("expected not found without error, found=%v err=%v", found, err)
	}
}

func subscriptionRow(id, userID string, used int, active bool) *sqlmock.Rows {
	cols := strings.Split(strings.Join(strings.Fields(subscriptionColumns), ""), ",")
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(cols).AddRow(
		id, userID, "plan-basic", now, now.Add(30*24*time.Hour), now.Add(30*24*time.Hour), used, active,
		true, "SUB_1", "CUS_1", "AUTH_1", nil, now, now,
	)
}

func TestActiveSubscription(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`FROM public\.user_subscriptions\s+WHERE user_id = \$1 AND active = TRUE`).
		WithArgs("u1").
		WillReturnRows(subscriptionRow("s1", "u1", 4, true))

	sub, found, err := s.ActiveSubscription(context.Background(), "u1")
	if err != nil || !found {
		t.Fatalf("expected active subscription, found=%v err=%v", found, err)
	}
	if sub.ID != "s1" || sub.PostsUsed != 4 || sub.CustomerCode != "CUS_1" || sub.ChargeAttemptedAt != nil {
		t.Fatalf("unexpected subscription %#v", sub)
	}
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET posts_used = posts_used + 1`)).
		WithArgs("s1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(r Repository) error {
		ok, err := r.IncrementUsage(context.Background(), "s1", at)
		if !ok {
			return errors.New("expected a row to be updated")
		}
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	if err := s.InTx(context.Background(), func(Repository) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResetUsage_GuardedByDueDate(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	next := now.Add(30 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND active = TRUE AND next_reset_date <= $3`)).
		WithArgs("s1", next, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ResetUsage(context.Background(), "s1", next, now)
	if err != nil || ok {
		t.Fatalf("expected no-op reset, ok=%v err=%v", ok, err)
	}
}

func TestDeactivateUserSubscriptions_EndsAtGivenTime(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`SET active = FALSE, end_date = $2, auto_subscribe = FALSE, updated_at = $2`)).
		WithArgs("u1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.DeactivateUserSubscriptions(context.Background(), "u1", at)
	if err != nil || n != 1 {
		t.Fatalf("expected one retired row, n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeactivateSubscription_AlreadyRetired(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND active = TRUE`)).
		WithArgs("s1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.DeactivateSubscription(context.Background(), "s1", at)
	if err != nil || ok {
		t.Fatalf("expected no-op for a retired row, ok=%v err=%v", ok, err)
	}
}

func postRowColumns() []string {
	return strings.Split(strings.ReplaceAll(postColumns, " ", ""), ",")
}

func TestInsertPost_WritesPlatformColumns(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	p := models.Post{
		ID:        "p1",
		UserID:    "u1",
		Caption:   "hello",
		MediaURLs: []string{"https://cdn/a.png"},
		Refs: map[models.Platform]models.PlatformRef{
			models.PlatformTwitter: {PostID: "t1", Permalink: "https://x.com/i/web/status/t1"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	args := []driver.Value{"p1", "u1", "hello", `["https://cdn/a.png"]`, "t1", "https://x.com/i/web/status/t1"}
	for i := 0; i < (len(models.AllPlatforms)-1)*2; i++ {
		args = append(args, nil)
	}
	args = append(args, false, nil, now, now)
	mock.ExpectExec(`INSERT INTO public\.posts`).
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.InsertPost(context.Background(), p); err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListPosts_ScansRefsAndMedia(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	values := []driver.Value{"p1", "u1", "hi", `["https://cdn/a.png"]`}
	for _, pl := range models.AllPlatforms {
		if pl == models.PlatformFacebook {
			values = append(values, "fb1", "https://www.facebook.com/fb1")
			continue
		}
		values = append(values, nil, nil)
	}
	values = append(values, false, nil, now, now)

	mock.ExpectQuery(`FROM public\.posts\s+WHERE user_id = \$1 AND deleted = FALSE`).
		WithArgs("u1", 0, 20).
		WillReturnRows(sqlmock.NewRows(postRowColumns()).AddRow(values...))

	posts, err := s.ListPosts(context.Background(), "u1", 0, 20)
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	p := posts[0]
	if p.Ref(models.PlatformFacebook).PostID != "fb1" || p.Ref(models.PlatformTwitter).PostID != "" {
		t.Fatalf("unexpected refs %#v", p.Refs)
	}
	if len(p.MediaURLs) != 1 || p.MediaURLs[0] != "https://cdn/a.png" {
		t.Fatalf("unexpected media %#v", p.MediaURLs)
	}
	if got := p.PublishedOn(); len(got) != 1 || got[0] != models.PlatformFacebook {
		t.Fatalf("unexpected published platforms %v", got)
	}
}

func TestRecordBillingEvent_Replay(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`ON CONFLICT \(provider, reference, event_type\) DO NOTHING`).
		WithArgs("e1", "paystack", "charge.success", "ref1", "u1", `{"a":1}`, at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.RecordBillingEvent(context.Background(), models.BillingEvent{
		ID: "e1", Provider: "paystack", Type: "charge.success", Reference: "ref1", UserID: "u1",
		Payload: []byte(`{"a":1}`), ReceivedAt: at,
	})
	if err != nil || inserted {
		t.Fatalf("expected replay to be ignored, inserted=%v err=%v", inserted, err)
	}
}

func TestPlanInUse(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM public\.user_subscriptions WHERE plan_id = \$1`).
		WithArgs("plan-std").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	inUse, err := s.PlanInUse(context.Background(), "plan-std")
	if err != nil || !inUse {
		t.Fatalf("expected plan in use, got %v err=%v", inUse, err)
	}
}
