package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMediaDefaults(t *testing.T) {
	m, err := NewMedia(CategoryAudio, " https://cdn.example/a.m4s ")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example/a.m4s", m.PrimaryURL())
	assert.Equal(t, "audio", m.Name())
	assert.Equal(t, "m4a", m.Suffix())
	assert.Empty(t, m.BackupURLs())
	assert.Equal(t, "<audio> audio", m.String())
}

func TestNewMediaRequiresURL(t *testing.T) {
	_, err := NewMedia(CategoryVideo, "  ")
	assert.ErrorIs(t, err, ErrMediaURLMissing)
}

func TestMediaURLsOrderAndIsolation(t *testing.T) {
	backups := []string{"https://b1", "", "https://b2"}
	m, err := NewMedia(CategoryVideo, "https://p", WithBackupURLs(backups...), WithSuffix(".flv"), WithName("clip"))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://p", "https://b1", "https://b2"}, m.URLs())
	assert.Equal(t, "flv", m.Suffix())

	backups[0] = "mutated"
	got := m.BackupURLs()
	got[0] = "mutated again"
	assert.Equal(t, []string{"https://b1", "https://b2"}, m.BackupURLs())
}

func TestCategoryDefaultSuffix(t *testing.T) {
	tests := map[Category]string{
		CategoryVideo:      "mp4",
		CategoryAudio:      "m4a",
		CategoryImage:      "jpg",
		CategoryText:       "txt",
		Category("binary"): "bin",
	}
	for category, suffix := range tests {
		assert.Equal(t, suffix, category.DefaultSuffix(), string(category))
	}
}
