// Package bilibili resolves the DASH streams and the title of a bilibili video
// page from the play info embedded in its HTML.
package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"vidfetch/internal/domain"
	"vidfetch/internal/pipeline"
)

const (
	DefaultBaseURL   = "https://www.bilibili.com"
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	// HighestQuality picks the best quality the page offers.
	HighestQuality = 0

	sessionCookie = "SESSDATA"
	titleSuffix   = "_哔哩哔哩_bilibili"
	maxPageSize   = 16 << 20
)

var (
	ErrPlayInfoNotFound = errors.New("play info not found in page")
	ErrTitleNotFound    = errors.New("title not found in page")

	rgxPlayInfo = regexp.MustCompile(`(?s)<script>window\.__playinfo__=(.*?)</script>`)
	rgxTitle    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

type Config struct {
	BaseURL   string
	SessData  string
	UserAgent string
	// Quality is an accept_quality id, or HighestQuality.
	Quality int
	// Codecs is a regular expression matched against the video codecs. Empty
	// selects the first video of the chosen quality.
	Codecs string
	Client *http.Client
	Retry  pipeline.RetryPolicy
	Logger logrus.FieldLogger
}

// Resolver implements the downloader's resolver for bilibili video pages.
type Resolver struct {
	cfg    Config
	codecs *regexp.Regexp

	mu     sync.Mutex
	titles map[string]string
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Quality < 0 {
		return nil, fmt.Errorf("invalid quality %d", cfg.Quality)
	}

	r := &Resolver{cfg: cfg, titles: make(map[string]string)}
	if cfg.Codecs != "" {
		rgx, err := regexp.Compile(cfg.Codecs)
		if err != nil {
			return nil, fmt.Errorf("compile codecs pattern: %w", err)
		}
		r.codecs = rgx
	}
	return r, nil
}

// PageURL returns the video page of bvid.
func (r *Resolver) PageURL(bvid string) string {
	return fmt.Sprintf("%s/video/%s/", r.cfg.BaseURL, bvid)
}

// Header returns the headers stream requests need to be accepted by the CDN.
func (r *Resolver) Header() http.Header {
	h := http.Header{}
	h.Set("Referer", r.cfg.BaseURL+"/")
	h.Set("User-Agent", r.cfg.UserAgent)
	if r.cfg.SessData != "" {
		h.Set("Cookie", (&http.Cookie{Name: sessionCookie, Value: r.cfg.SessData}).String())
	}
	return h
}

// Resolve returns the selected video followed by the audio streams.
func (r *Resolver) Resolve(ctx context.Context, bvid string) ([]domain.Media, error) {
	page, err := r.fetchPage(ctx, bvid)
	if err != nil {
		return nil, err
	}
	if title, err := parseTitle(page); err == nil {
		r.mu.Lock()
		r.titles[bvid] = title
		r.mu.Unlock()
	}

	info, err := parsePlayInfo(page)
	if err != nil {
		return nil, err
	}
	video, err := r.selectVideo(info)
	if err != nil {
		return nil, err
	}
	if len(info.Dash.Audio) == 0 {
		return nil, errors.New("play info has no audio stream")
	}

	media := make([]domain.Media, 0, 1+len(info.Dash.Audio))
	m, err := domain.NewMedia(domain.CategoryVideo, video.BaseURL,
		domain.WithBackupURLs(video.BackupURL...),
		domain.WithName(info.qualityName(video.ID)+" "+video.Codecs),
	)
	if err != nil {
		return nil, fmt.Errorf("video %d: %w", video.ID, err)
	}
	media = append(media, m)

	for _, audio := range info.Dash.Audio {
		m, err := domain.NewMedia(domain.CategoryAudio, audio.BaseURL,
			domain.WithBackupURLs(audio.BackupURL...),
			domain.WithName("audio "+strconv.Itoa(audio.ID)),
		)
		if err != nil {
			return nil, fmt.Errorf("audio %d: %w", audio.ID, err)
		}
		media = append(media, m)
	}
	return media, nil
}

// Title returns the page title. A title seen by Resolve is served without a
// second request.
func (r *Resolver) Title(ctx context.Context, bvid string) (string, error) {
	r.mu.Lock()
	title, ok := r.titles[bvid]
	delete(r.titles, bvid)
	r.mu.Unlock()
	if ok {
		return title, nil
	}

	page, err := r.fetchPage(ctx, bvid)
	if err != nil {
		return "", err
	}
	return parseTitle(page)
}

func (r *Resolver) fetchPage(ctx context.Context, bvid string) (string, error) {
	url := r.PageURL(bvid)
	var page string
	err := r.cfg.Retry.Do(ctx, r.cfg.Logger, "GET "+url, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return pipeline.Permanent(err)
		}
		req.Header = r.Header()

		resp, err := r.cfg.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %s", resp.Status)
			if resp.StatusCode == http.StatusNotFound {
				return pipeline.Permanent(err)
			}
			return err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
		if err != nil {
			return err
		}
		page = string(body)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	return page, nil
}

func (r *Resolver) selectVideo(info *playInfoData) (dashVideo, error) {
	videos := append([]dashVideo(nil), info.Dash.Video...)
	if len(videos) == 0 {
		return dashVideo{}, errors.New("play info has no video stream")
	}
	sort.SliceStable(videos, func(i, j int) bool { return videos[i].ID > videos[j].ID })

	var candidates []dashVideo
	if r.cfg.Quality == HighestQuality {
		for _, v := range videos {
			if v.ID == videos[0].ID {
				candidates = append(candidates, v)
			}
		}
	} else {
		for _, v := range videos {
			if v.ID == r.cfg.Quality {
				candidates = append(candidates, v)
			}
		}
	}
	if len(candidates) == 0 {
		return dashVideo{}, fmt.Errorf("no video with quality %d found, available qualities: %s", r.cfg.Quality, info.qualities())
	}

	if r.codecs == nil {
		return candidates[0], nil
	}
	codecs := make([]string, 0, len(candidates))
	for _, v := range candidates {
		if r.codecs.MatchString(v.Codecs) {
			return v, nil
		}
		codecs = append(codecs, v.Codecs)
	}
	return dashVideo{}, fmt.Errorf("no video with codecs %q matched, available codecs: %s", r.cfg.Codecs, strings.Join(codecs, ", "))
}

type playInfoResponse struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    playInfoData `json:"data"`
}

type playInfoData struct {
	AcceptQuality     []int    `json:"accept_quality"`
	AcceptDescription []string `json:"accept_description"`
	Dash              struct {
		Video []dashVideo `json:"video"`
		Audio []dashAudio `json:"audio"`
	} `json:"dash"`
}

type dashVideo struct {
	ID        int      `json:"id"`
	Codecs    string   `json:"codecs"`
	BaseURL   string   `json:"base_url"`
	BackupURL []string `json:"backup_url"`
}

type dashAudio struct {
	ID        int      `json:"id"`
	BaseURL   string   `json:"base_url"`
	BackupURL []string `json:"backup_url"`
}

func (d *playInfoData) qualityName(id int) string {
	for i, q := range d.AcceptQuality {
		if q == id && i < len(d.AcceptDescription) {
			return d.AcceptDescription[i]
		}
	}
	return strconv.Itoa(id)
}

func (d *playInfoData) qualities() string {
	parts := make([]string, 0, len(d.AcceptQuality))
	for _, q := range d.AcceptQuality {
		parts = append(parts, fmt.Sprintf("%d=%s", q, d.qualityName(q)))
	}
	return strings.Join(parts, ", ")
}

func parsePlayInfo(page string) (*playInfoData, error) {
	match := rgxPlayInfo.FindStringSubmatch(page)
	if match == nil {
		return nil, ErrPlayInfoNotFound
	}
	var resp playInfoResponse
	if err := json.Unmarshal([]byte(match[1]), &resp); err != nil {
		return nil, fmt.Errorf("decode play info: %w", err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("play info code %d: %s", resp.Code, resp.Message)
	}
	return &resp.Data, nil
}

func parseTitle(page string) (string, error) {
	match := rgxTitle.FindStringSubmatch(page)
	if match == nil {
		return "", ErrTitleNotFound
	}
	title := strings.TrimSpace(html.UnescapeString(match[1]))
	title = strings.TrimSpace(strings.TrimSuffix(title, titleSuffix))
	if title == "" {
		return "", ErrTitleNotFound
	}
	return title, nil
}
