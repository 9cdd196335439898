package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"submission-pipeline/internal/models"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directories.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseCatalogAppliesDefaults(t *testing.T) {
	path := writeCatalog(t, `{"directories": [
		{"id": "google-business", "name": "Google Business Profile",
		 "url": "https://business.google.com",
		 "submissionUrl": "https://business.google.com/create",
		 "category": "major-platform", "domainAuthority": 100,
		 "difficulty": "hard", "tier": 1,
		 "fieldMapping": {"businessName": "#name"}, "isActive": true},
		{"id": "bare-listing", "url": "https://bare.example.com"}
	]}`)

	dirs, err := parseCatalog(path)
	require.NoError(t, err)
	require.Len(t, dirs, 2)

	full := dirs[0]
	assert.Equal(t, "google-business", full.ID)
	assert.Equal(t, "https://business.google.com/create", full.SubmissionURL)
	assert.Equal(t, 100, full.DomainAuthority)
	assert.Equal(t, models.DifficultyHard, full.Difficulty)
	assert.Equal(t, "#name", full.FieldMapping["businessName"])
	assert.True(t, full.Active)

	// Sparse entries fall back to workable defaults.
	bare := dirs[1]
	assert.Equal(t, "https://bare.example.com", bare.SubmissionURL)
	assert.Equal(t, "general-directory", bare.Category)
	assert.Equal(t, models.DifficultyMedium, bare.Difficulty)
	assert.Equal(t, 1, bare.TierRequired)
	assert.True(t, bare.Active)
}

func TestParseCatalogHonorsExplicitInactive(t *testing.T) {
	path := writeCatalog(t, `{"directories": [
		{"id": "dead-site", "url": "https://gone.example.com", "isActive": false}
	]}`)

	dirs, err := parseCatalog(path)
	require.NoError(t, err)
	assert.False(t, dirs[0].Active)
}

func TestParseCatalogRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty export", `{"directories": []}`},
		{"missing id", `{"directories": [{"url": "https://x.example.com"}]}`},
		{"missing url", `{"directories": [{"id": "x"}]}`},
		{"malformed json", `{"directories": [`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseCatalog(writeCatalog(t, tc.content))
			assert.Error(t, err)
		})
	}

	_, err := parseCatalog(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
