package domain

import (
	"errors"
	"strings"
)

// Category classifies what kind of stream a Media points at.
type Category string

const (
	CategoryVideo Category = "video"
	CategoryAudio Category = "audio"
	CategoryImage Category = "image"
	CategoryText  Category = "text"
)

// DefaultSuffix returns the file suffix (without dot) used for the category.
func (c Category) DefaultSuffix() string {
	switch c {
	case CategoryVideo:
		return "mp4"
	case CategoryAudio:
		return "m4a"
	case CategoryImage:
		return "jpg"
	case CategoryText:
		return "txt"
	default:
		return "bin"
	}
}

// ErrMediaURLMissing is returned when a media is built without a primary URL.
var ErrMediaURLMissing = errors.New("media url is not set")

// Media describes one fetchable resource. It is a value type and is never
// mutated after construction.
type Media struct {
	primaryURL string
	backupURLs []string
	name       string
	category   Category
	suffix     string
}

// MediaOption customises a Media at construction time.
type MediaOption func(*Media)

// WithBackupURLs sets the ordered failover URLs.
func WithBackupURLs(urls ...string) MediaOption {
	return func(m *Media) {
		m.backupURLs = make([]string, 0, len(urls))
		for _, u := range urls {
			if u = strings.TrimSpace(u); u != "" {
				m.backupURLs = append(m.backupURLs, u)
			}
		}
	}
}

// WithName sets the display name.
func WithName(name string) MediaOption {
	return func(m *Media) {
		m.name = name
	}
}

// WithSuffix overrides the category default suffix.
func WithSuffix(suffix string) MediaOption {
	return func(m *Media) {
		m.suffix = strings.TrimPrefix(suffix, ".")
	}
}

func NewMedia(category Category, primaryURL string, opts ...MediaOption) (Media, error) {
	primaryURL = strings.TrimSpace(primaryURL)
	if primaryURL == "" {
		return Media{}, ErrMediaURLMissing
	}
	m := Media{
		primaryURL: primaryURL,
		category:   category,
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.name == "" {
		m.name = string(category)
	}
	if m.suffix == "" {
		m.suffix = category.DefaultSuffix()
	}
	return m, nil
}

func (m Media) PrimaryURL() string   { return m.primaryURL }
func (m Media) Name() string         { return m.name }
func (m Media) Category() Category   { return m.category }
func (m Media) Suffix() string       { return m.suffix }
func (m Media) BackupURLs() []string { return append([]string(nil), m.backupURLs...) }

// URLs returns the candidate list: primary first, then the backups in order.
func (m Media) URLs() []string {
	urls := make([]string, 0, 1+len(m.backupURLs))
	urls = append(urls, m.primaryURL)
	return append(urls, m.backupURLs...)
}

func (m Media) String() string {
	return "<" + string(m.category) + "> " + m.name
}
