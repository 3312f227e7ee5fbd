package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
	"golang.org/x/time/rate"
)

// Options are shared by every adapter constructor. The client is owned by the caller
// and reused across calls.
type Options struct {
	BaseURL string
	Client  *http.Client
	Limiter *rate.Limiter
}

type api struct {
	platform models.Platform
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
}

func newAPI(p models.Platform, defaultBase string, o Options) api {
	base := strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if base == "" {
		base = defaultBase
	}
	client := o.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return api{platform: p, baseURL: base, client: client, limiter: o.Limiter}
}

type apiResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (a api) do(ctx context.Context, method, rawURL string, body io.Reader, hdr http.Header) (apiResponse, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return apiResponse{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return apiResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	res, err := a.client.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	out := apiResponse{Status: res.StatusCode, Header: res.Header, Body: b}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return out, fmt.Errorf("%s_non_2xx status=%d body=%s", a.platform, res.StatusCode, truncate(string(b), 600))
	}
	return out, nil
}

// doJSON sends in as a JSON body (when non-nil) with a bearer token and decodes the
// response into out (when non-nil).
func (a api) doJSON(ctx context.Context, method, rawURL, token string, in any, out any) (apiResponse, error) {
	return a.doJSONWith(ctx, method, rawURL, token, nil, in, out)
}

func (a api) doJSONWith(ctx context.Context, method, rawURL, token string, extra http.Header, in any, out any) (apiResponse, error) {
	var body io.Reader
	hdr := http.Header{}
	for k, vs := range extra {
		hdr[k] = vs
	}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return apiResponse{}, err
		}
		body = bytes.NewReader(b)
		hdr.Set("Content-Type", "application/json")
	}
	res, err := a.do(ctx, method, rawURL, body, hdr)
	if err != nil {
		return res, err
	}
	if err := decodeInto(res.Body, out); err != nil {
		return res, fmt.Errorf("%s_decode_failed err=%v body=%s", a.platform, err, truncate(string(res.Body), 300))
	}
	return res, nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func parseTime(layout, v string) *time.Time {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	t, err := time.Parse(layout, v)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// graphTimeLayout is the timestamp format used by the Facebook and Instagram Graph APIs.
const graphTimeLayout = "2006-01-02T15:04:05-0700"

func decodeInto(body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
