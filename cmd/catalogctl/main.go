package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"submission-pipeline/internal/config"
	"submission-pipeline/internal/logging"
	"submission-pipeline/internal/models"
	"submission-pipeline/internal/store/postgres"
)

// catalogctl imports a directory-catalog JSON export into Postgres. The
// export format matches the product's directory database dumps:
//
//	{"directories": [{"id": "...", "name": "...", "url": "...",
//	  "submissionUrl": "...", "category": "...", "domainAuthority": 72,
//	  "difficulty": "medium", "tier": 2, "fieldMapping": {...},
//	  "isActive": true}, ...]}
type catalogFile struct {
	Directories []catalogEntry `json:"directories"`
}

type catalogEntry struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	URL             string         `json:"url"`
	SubmissionURL   string         `json:"submissionUrl"`
	Category        string         `json:"category"`
	DomainAuthority int            `json:"domainAuthority"`
	Difficulty      string         `json:"difficulty"`
	Tier            int            `json:"tier"`
	FieldMapping    map[string]any `json:"fieldMapping"`
	IsActive        *bool          `json:"isActive"`
}

func main() {
	file := flag.String("file", "", "path to the catalog JSON export")
	flag.Parse()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: catalogctl -file directories.json")
		os.Exit(2)
	}

	dirs, err := parseCatalog(*file)
	if err != nil {
		log.Error("parse catalog", "file", *file, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := postgres.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	count, err := st.UpsertDirectories(ctx, dirs)
	if err != nil {
		log.Error("import catalog", "error", err)
		os.Exit(1)
	}
	log.Info("catalog imported", "file", *file, "directories", count)
}

func parseCatalog(path string) ([]models.Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	var parsed catalogFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if len(parsed.Directories) == 0 {
		return nil, fmt.Errorf("no directories in export")
	}

	dirs := make([]models.Directory, 0, len(parsed.Directories))
	for i, e := range parsed.Directories {
		if e.ID == "" || e.URL == "" {
			return nil, fmt.Errorf("entry %d missing id or url", i)
		}
		d := models.Directory{
			ID:              e.ID,
			Name:            e.Name,
			URL:             e.URL,
			SubmissionURL:   e.SubmissionURL,
			Category:        e.Category,
			DomainAuthority: e.DomainAuthority,
			Difficulty:      e.Difficulty,
			TierRequired:    e.Tier,
			FieldMapping:    e.FieldMapping,
			Active:          true,
		}
		if d.SubmissionURL == "" {
			d.SubmissionURL = d.URL
		}
		if d.Category == "" {
			d.Category = "general-directory"
		}
		if d.Difficulty == "" {
			d.Difficulty = models.DifficultyMedium
		}
		if d.TierRequired <= 0 {
			d.TierRequired = 1
		}
		if e.IsActive != nil {
			d.Active = *e.IsActive
		}
		dirs = append(dirs, d)
	}
	return dirs, nil
}
