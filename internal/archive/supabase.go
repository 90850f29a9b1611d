// Package archive stores end-of-session feedback reports in Supabase
// storage. The archive is optional: sessions run fine without it, and
// upload failures are logged by the caller rather than surfaced to the
// learner.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/Mingdididi/EnglishTeacher/internal/genai"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

func (c Config) Enabled() bool {
	return c.URL != "" && c.ServiceRoleKey != ""
}

type Storage struct {
	client *supabase.Client
	bucket string
	now    func() time.Time
}

func New(config Config) (*Storage, error) {
	client, err := supabase.NewClient(config.URL, config.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	bucket := config.Bucket
	if bucket == "" {
		bucket = "reports"
	}
	return &Storage{client: client, bucket: bucket, now: time.Now}, nil
}

// UploadReport archives one session's report as JSON keyed by session id
// and timestamp.
func (s *Storage) UploadReport(sessionID string, report genai.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := fmt.Sprintf("%s/%s.json", sessionID, s.now().UTC().Format("20060102T150405Z"))
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload report to supabase: %w", err)
	}
	return nil
}
