package httpbridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
	"postpipe/internal/pipeline"
	"postpipe/pkg/logx"
)

type ContentConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	// WorkDir receives one folder per prepared job (manuscript, meta.json,
	// downloaded images). Empty keeps everything in memory and hands image
	// URLs straight to the publisher.
	WorkDir string
}

// Content implements pipeline.ContentProvider and pipeline.OutcomeReporter
// against the content API.
type Content struct {
	c       *client
	workDir string
	now     func() time.Time
}

func NewContent(cfg ContentConfig, log logx.Logger) *Content {
	log = log.With(logx.String("comp", "content"))
	return &Content{
		c:       newClient(cfg.BaseURL, cfg.Timeout, cfg.RateLimit, cfg.Burst, log),
		workDir: cfg.WorkDir,
		now:     time.Now,
	}
}

type manuscriptResp struct {
	ID      string `json:"_id"`
	Content string `json:"content"`
}

// SplitManuscript turns generated text into a title (first line, or fallback
// when blank) and a body (the rest).
func SplitManuscript(text, fallback string) (title, body string) {
	first, rest, _ := strings.Cut(text, "\n")
	title = strings.TrimSpace(first)
	if title == "" {
		title = fallback
	}
	return title, strings.TrimSpace(rest)
}

func (p *Content) Prepare(ctx context.Context, req pipeline.ContentRequest) (*pipeline.Content, error) {
	var m manuscriptResp
	err := p.c.postJSON(ctx, "/generate/gemini-new", map[string]string{
		"service": req.Service,
		"keyword": req.Keyword,
		"ref":     req.Ref,
	}, &m)
	if err != nil {
		return nil, errors.Wrap(err, "generate manuscript")
	}
	title, body := SplitManuscript(m.Content, req.Keyword)
	out := &pipeline.Content{ContentID: m.ID, Title: title, Body: body}

	var urls []string
	if req.GenerateImages && req.ImageCount > 0 {
		urls, err = p.imageURLs(ctx, req.Keyword, req.Category)
		if err != nil {
			return nil, errors.Wrap(err, "generate images")
		}
		if len(urls) > req.ImageCount {
			urls = urls[:req.ImageCount]
		}
	}

	if p.workDir == "" {
		out.Images = urls
		return out, nil
	}

	dir, err := p.jobDir(req.Keyword)
	if err != nil {
		return nil, err
	}
	out.StorageHandle = dir
	if err := os.WriteFile(filepath.Join(dir, "manuscript.txt"), []byte(title+"\n\n"+body), 0o644); err != nil {
		return nil, errors.Wrap(err, "write manuscript")
	}
	if err := writeMeta(dir, jobMeta{
		Keyword:      req.Keyword,
		Service:      req.Service,
		Ref:          req.Ref,
		ManuscriptID: m.ID,
		CreatedAt:    p.now().UTC().Format(time.RFC3339),
		Status:       "generated",
	}); err != nil {
		return nil, err
	}
	out.Images = p.download(ctx, urls, filepath.Join(dir, "images"))
	p.c.log.Info("content prepared",
		logx.String("dir", dir),
		logx.String("manuscript", m.ID),
		logx.Int("images", len(out.Images)))
	return out, nil
}

// imageURLs accepts the shapes the image endpoint has been seen to return:
// images as strings or {url} objects, urls, or imageUrls.
func (p *Content) imageURLs(ctx context.Context, keyword, category string) ([]string, error) {
	var resp struct {
		Images    []json.RawMessage `json:"images"`
		URLs      []string          `json:"urls"`
		ImageURLs []string          `json:"imageUrls"`
	}
	if err := p.c.postJSON(ctx, "/generate/image", map[string]string{
		"keyword":  keyword,
		"category": category,
	}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Images) > 0 {
		out := make([]string, 0, len(resp.Images))
		for _, raw := range resp.Images {
			var s string
			if json.Unmarshal(raw, &s) == nil {
				if s != "" {
					out = append(out, s)
				}
				continue
			}
			var obj struct {
				URL string `json:"url"`
			}
			if json.Unmarshal(raw, &obj) == nil && obj.URL != "" {
				out = append(out, obj.URL)
			}
		}
		return out, nil
	}
	if len(resp.URLs) > 0 {
		return resp.URLs, nil
	}
	return resp.ImageURLs, nil
}

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_]`)

func (p *Content) jobDir(keyword string) (string, error) {
	safe := []rune(unsafeChars.ReplaceAllString(keyword, "_"))
	if len(safe) > 20 {
		safe = safe[:20]
	}
	name := p.now().UTC().Format("20060102_150405") + "_" + string(safe)
	dir := filepath.Join(p.workDir, name)
	for i := 2; ; i++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		dir = filepath.Join(p.workDir, name+"_"+strconv.Itoa(i))
	}
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		return "", errors.Wrap(err, "create job dir")
	}
	return dir, nil
}

// download saves each valid URL into dir as <n><ext>. Failed downloads are
// logged and skipped.
func (p *Content) download(ctx context.Context, urls []string, dir string) []string {
	saved := make([]string, 0, len(urls))
	for i, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			p.c.log.Warn("image url invalid", logx.Int("n", i+1))
			continue
		}
		ext := path.Ext(u.Path)
		if ext == "" {
			ext = ".png"
		}
		dst := filepath.Join(dir, strconv.Itoa(i+1)+ext)
		if err := p.fetch(ctx, raw, dst); err != nil {
			p.c.log.Warn("image download failed", logx.Int("n", i+1), logx.Err(err))
			continue
		}
		saved = append(saved, dst)
	}
	return saved
}

func (p *Content) fetch(ctx context.Context, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := p.c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(dst)
		return err
	}
	return f.Close()
}

type jobMeta struct {
	Keyword      string `json:"keyword"`
	Service      string `json:"service"`
	Ref          string `json:"ref"`
	ManuscriptID string `json:"manuscriptId"`
	CreatedAt    string `json:"createdAt"`
	Status       string `json:"status"`
	CompletedAt  string `json:"completedAt,omitempty"`
	PostURL      string `json:"postUrl,omitempty"`
	Error        string `json:"error,omitempty"`
}

func writeMeta(dir string, m jobMeta) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644), "write meta")
}

// ReportOutcome records the publish result in the job folder's meta.json. A
// missing folder is ignored.
func (p *Content) ReportOutcome(_ context.Context, handle string, o pipeline.PublishOutcome) error {
	if handle == "" {
		return nil
	}
	b, err := os.ReadFile(filepath.Join(handle, "meta.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read meta")
	}
	var m jobMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return errors.Wrap(err, "parse meta")
	}
	m.Status = "failed"
	if o.Status == domain.JobPublished {
		m.Status = "success"
	}
	m.CompletedAt = p.now().UTC().Format(time.RFC3339)
	m.PostURL = o.PostURL
	m.Error = o.Error
	return writeMeta(handle, m)
}
