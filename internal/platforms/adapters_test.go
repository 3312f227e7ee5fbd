package platforms

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/PortNumber53/crosspost/internal/models"
)

type stubTransport struct {
	fn func(*http.Request) (*http.Response, error)
}

func (s stubTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return s.fn(r)
}

func httpJSON(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func stubClient(fn func(*http.Request) (*http.Response, error)) *http.Client {
	return &http.Client{Transport: stubTransport{fn: fn}}
}

var cred = models.PlatformAccount{AccessToken: "tok", AccountID: "acct1"}

func TestTwitter_CreatePost(t *testing.T) {
	tw := NewTwitter(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPost || r.URL.Path != "/2/tweets" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected auth header %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(b), "hello") || !strings.Contains(string(b), "https://cdn/img.png") {
			t.Fatalf("expected caption and media in text, got %s", b)
		}
		return httpJSON(201, `{"data":{"id":"t1","text":"hello"}}`, nil), nil
	})})

	res := tw.CreatePost(context.Background(), cred, "hello", []string{"https://cdn/img.png"})
	if !res.Success || res.PostID != "t1" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if res.Permalink != "https://x.com/i/web/status/t1" {
		t.Fatalf("unexpected permalink %q", res.Permalink)
	}
}

func TestTwitter_CreatePost_Non2xx(t *testing.T) {
	tw := NewTwitter(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		return httpJSON(403, `{"title":"Forbidden"}`, nil), nil
	})})
	res := tw.CreatePost(context.Background(), cred, "hello", nil)
	if res.Success || !strings.Contains(res.Raw, "twitter_non_2xx status=403") {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestTwitter_ListPosts(t *testing.T) {
	tw := NewTwitter(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/2/users/acct1/tweets" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("pagination_token") != "c1" {
			t.Fatalf("expected cursor to be forwarded")
		}
		return httpJSON(200, `{"data":[{"id":"1","text":"a","created_at":"2024-01-02T03:04:05Z"}],"meta":{"next_token":"c2"}}`, nil), nil
	})})
	page, err := tw.ListPosts(context.Background(), cred, "c1", 5)
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "c2" || page.Items[0].PostedAt == nil {
		t.Fatalf("unexpected page: %#v", page)
	}
}

func TestFacebook_CreatePhotoPost(t *testing.T) {
	fb := NewFacebook(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/v18.0/acct1/photos" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("access_token") != "tok" || r.PostForm.Get("url") != "https://cdn/a.jpg" {
			t.Fatalf("unexpected form %v", r.PostForm)
		}
		return httpJSON(200, `{"id":"ph1","post_id":"acct1_99"}`, nil), nil
	})})
	res := fb.CreatePost(context.Background(), cred, "cap", []string{"https://cdn/a.jpg"})
	if !res.Success || res.PostID != "acct1_99" {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestFacebook_DeletePost(t *testing.T) {
	fb := NewFacebook(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v18.0/acct1_99" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		return httpJSON(200, `{"success":true}`, nil), nil
	})})
	ok, err := fb.DeletePost(context.Background(), cred, "acct1_99")
	if err != nil || !ok {
		t.Fatalf("expected delete ok, got ok=%v err=%v", ok, err)
	}
}

func TestInstagram_CreatePost_ContainerThenPublish(t *testing.T) {
	var calls int32
	ig := NewInstagram(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		switch {
		case strings.HasSuffix(r.URL.Path, "/acct1/media"):
			return httpJSON(200, `{"id":"container1"}`, nil), nil
		case strings.HasSuffix(r.URL.Path, "/acct1/media_publish"):
			_ = r.ParseForm()
			if r.PostForm.Get("creation_id") != "container1" {
				t.Fatalf("expected creation_id container1, got %v", r.PostForm)
			}
			return httpJSON(200, `{"id":"m1"}`, nil), nil
		case strings.HasSuffix(r.URL.Path, "/m1"):
			return httpJSON(200, `{"permalink":"https://instagram.com/p/abc"}`, nil), nil
		}
		t.Fatalf("unexpected path %s", r.URL.Path)
		return nil, nil
	})})
	res := ig.CreatePost(context.Background(), cred, "cap", []string{"https://cdn/a.jpg"})
	if !res.Success || res.PostID != "m1" || res.Permalink != "https://instagram.com/p/abc" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestInstagram_RequiresMedia(t *testing.T) {
	ig := NewInstagram(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected")
		return nil, nil
	})})
	res := ig.CreatePost(context.Background(), cred, "cap", nil)
	if res.Success || res.Raw != "instagram_requires_media" {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestYouTube_CreatePost_ResumableUpload(t *testing.T) {
	yt := NewYouTube(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		switch {
		case r.Method == http.MethodGet && r.URL.Host == "cdn.example.com":
			return httpJSON(200, "VIDEOBYTES", map[string]string{"Content-Type": "video/mp4"}), nil
		case r.Method == http.MethodPost && r.URL.Path == "/upload/youtube/v3/videos":
			if r.URL.Query().Get("uploadType") != "resumable" {
				t.Fatalf("expected resumable upload")
			}
			return httpJSON(200, "", map[string]string{"Location": "https://upload.example.com/session1"}), nil
		case r.Method == http.MethodPut && r.URL.Host == "upload.example.com":
			b, _ := io.ReadAll(r.Body)
			if string(b) != "VIDEOBYTES" || r.Header.Get("Content-Type") != "video/mp4" {
				t.Fatalf("unexpected upload body %q ct=%q", b, r.Header.Get("Content-Type"))
			}
			return httpJSON(200, `{"id":"vid1"}`, nil), nil
		}
		t.Fatalf("unexpected request %s %s", r.Method, r.URL)
		return nil, nil
	})})
	res := yt.CreatePost(context.Background(), cred, "Title line\nmore", []string{"https://cdn.example.com/v.mp4"})
	if !res.Success || res.PostID != "vid1" || res.Permalink != "https://www.youtube.com/watch?v=vid1" {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestTikTok_CreatePost_ErrorEnvelope(t *testing.T) {
	tk := NewTikTok(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		return httpJSON(200, `{"data":{},"error":{"code":"spam_risk_too_many_posts","message":"slow down"}}`, nil), nil
	})})
	res := tk.CreatePost(context.Background(), cred, "cap", []string{"https://cdn/v.mp4"})
	if res.Success || !strings.Contains(res.Raw, "spam_risk_too_many_posts") {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestTikTok_CreatePost_OK(t *testing.T) {
	tk := NewTikTok(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		return httpJSON(200, `{"data":{"publish_id":"pub1"},"error":{"code":"ok"}}`, nil), nil
	})})
	res := tk.CreatePost(context.Background(), cred, "cap", []string{"https://cdn/v.mp4"})
	if !res.Success || res.PostID != "pub1" {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestLinkedIn_CreatePost_IDFromHeader(t *testing.T) {
	li := NewLinkedIn(Options{Client: stubClient(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("X-Restli-Protocol-Version") != "2.0.0" {
			t.Fatalf("missing restli header")
		}
		b, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(b), "urn:li:person:acct1") {
			t.Fatalf("expected author urn, got %s", b)
		}
		return httpJSON(201, "", map[string]string{"X-RestLi-Id": "urn:li:share:7"}), nil
	})})
	res := li.CreatePost(context.Background(), cred, "cap", nil)
	if !res.Success || res.PostID != "urn:li:share:7" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if res.Permalink != "https://www.linkedin.com/feed/update/urn:li:share:7" {
		t.Fatalf("unexpected permalink %q", res.Permalink)
	}
}

func TestDefaultRegistry_AllPlatformsAndBaseURLOverride(t *testing.T) {
	var hit string
	client := stubClient(func(r *http.Request) (*http.Response, error) {
		hit = r.URL.Host
		return httpJSON(200, `{"data":{"id":"t9"}}`, nil), nil
	})
	reg := NewDefaultRegistry(client, func(k string) string {
		if k == "PLATFORM_TWITTER_BASE_URL" {
			return "http://twitter.local/"
		}
		return ""
	})
	if got := reg.Platforms(); len(got) != len(models.AllPlatforms) {
		t.Fatalf("expected all platforms, got %v", got)
	}
	a, ok := reg.Get(models.PlatformTwitter)
	if !ok {
		t.Fatalf("twitter not registered")
	}
	res := a.CreatePost(context.Background(), cred, "hi", nil)
	if !res.Success || hit != "twitter.local" {
		t.Fatalf("expected override host, got res=%#v host=%q", res, hit)
	}
}

func TestRateLimitFromEnv(t *testing.T) {
	def := RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	got := RateLimitFromEnv(func(k string) string {
		switch k {
		case "PLATFORM_YOUTUBE_RPS":
			return "2.5"
		case "PLATFORM_YOUTUBE_BURST":
			return "4"
		}
		return ""
	}, models.PlatformYouTube, def)
	if got.RequestsPerSecond != 2.5 || got.Burst != 4 {
		t.Fatalf("unexpected config %#v", got)
	}
	if got := RateLimitFromEnv(func(string) string { return "-1" }, models.PlatformYouTube, def); got != def {
		t.Fatalf("invalid values must keep defaults, got %#v", got)
	}
	if NewLimiter(nil, models.PlatformTwitter) == nil {
		t.Fatalf("expected limiter")
	}
}
