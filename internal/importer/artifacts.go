package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultArtifactTTL           = 24 * time.Hour
	DefaultArtifactSweepInterval = time.Hour

	artifactExt = ".enc"
)

// Artifact is an accepted upload waiting, encrypted, to be imported.
type Artifact struct {
	ID              string           `json:"id"`
	Path            string           `json:"-"`
	ChatID          int64            `json:"chatId"`
	UploaderID      int64            `json:"uploaderId"`
	FileName        string           `json:"fileName"`
	Size            int64            `json:"size"`
	TimeZone        string           `json:"timeZone,omitempty"`
	SenderOverrides map[string]int64 `json:"senderOverrides,omitempty"`
	AcceptedAt      time.Time        `json:"acceptedAt"`
}

func (s *Service) artifactPath(id string) string {
	return filepath.Join(s.opts.ArtifactDir, id+artifactExt)
}

// Discard drops an artifact that will never be run.
func (s *Service) Discard(art *Artifact) {
	if art == nil {
		return
	}
	s.removeArtifact(art)
}

func (s *Service) removeArtifact(art *Artifact) {
	s.untrackArtifact(art.ID)
	if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("remove artifact failed", zap.String("artifact_id", art.ID), zap.Error(err))
	}
}

func (s *Service) trackArtifact(id string) {
	s.mu.Lock()
	s.pending[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrackArtifact(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Service) isPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// StartArtifactSweeper periodically removes artifacts older than ttl.
// They are left behind by crashes and undecryptable uploads.
func (s *Service) StartArtifactSweeper(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = DefaultArtifactTTL
	}
	if interval <= 0 {
		interval = DefaultArtifactSweepInterval
	}
	go s.sweepLoop(ctx, ttl, interval)
}

func (s *Service) sweepLoop(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepArtifacts(ttl); err != nil {
				s.log.Error("sweep artifacts", zap.Error(err))
			} else if n > 0 {
				s.log.Info("swept stale artifacts", zap.Int("removed", n))
			}
		}
	}
}

// SweepArtifacts removes artifacts and abandoned temp files older than
// ttl and reports how many were removed. Artifacts still waiting to be
// run by this process are kept however old they are.
func (s *Service) SweepArtifacts(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.opts.ArtifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, artifactExt) || strings.HasPrefix(name, ".artifact-")) {
			continue
		}
		if strings.HasSuffix(name, artifactExt) && s.isPending(strings.TrimSuffix(name, artifactExt)) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.opts.ArtifactDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove stale artifact failed", zap.String("path", name), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
