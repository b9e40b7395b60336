// Package backup snapshots the SQLite database, encrypts the copy, and
// uploads it to S3-compatible storage on a nightly schedule.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/trafficlens/trafficlens/internal/config"
)

const objectPrefix = "backups/"

// s3Client is the subset of the S3 API the manager needs, an interface for
// testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Manager runs encrypted database backups. Disabled managers are inert:
// Start returns immediately and RunOnce errors.
type Manager struct {
	cfg    config.BackupConfig
	dbPath string
	db     *sql.DB
	client s3Client
	logger *slog.Logger

	mu     sync.Mutex
	lastAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg config.BackupConfig, dbPath string, db *sql.DB, logger *slog.Logger) *Manager {
	m := &Manager{cfg: cfg, dbPath: dbPath, db: db, logger: logger}
	if cfg.Enabled {
		opts := s3.Options{
			Region:       cfg.Region,
			Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			UsePathStyle: true,
		}
		if cfg.Endpoint != "" {
			opts.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		m.client = s3.New(opts)
	}
	return m
}

// Start begins the scheduled backup loop. One backup runs per UTC day at the
// configured hour.
func (m *Manager) Start(ctx context.Context) {
	if m.client == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Manager) tick(ctx context.Context) {
	now := time.Now().UTC()
	if now.Hour() != m.cfg.Hour {
		return
	}

	m.mu.Lock()
	ranToday := m.lastAt.Truncate(24 * time.Hour).Equal(now.Truncate(24 * time.Hour))
	m.mu.Unlock()
	if ranToday {
		return
	}

	if err := m.RunOnce(ctx); err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
		return
	}
	if err := m.prune(ctx); err != nil {
		m.logger.Error("backup prune failed", "error", err)
	}
}

// RunOnce checkpoints the WAL, snapshots the database file, encrypts the
// copy, and uploads it.
func (m *Manager) RunOnce(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("backup not configured")
	}

	timestamp := time.Now().UTC().Format("2006-01-02T150405Z")
	key := objectPrefix + fmt.Sprintf("trafficlens-%s.db.enc", timestamp)

	tmpDir := os.TempDir()
	dbCopy := filepath.Join(tmpDir, fmt.Sprintf("trafficlens-backup-%s.db", timestamp))
	encFile := dbCopy + ".enc"
	defer os.Remove(dbCopy)
	defer os.Remove(encFile)

	if _, err := m.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if err := copyFile(m.dbPath, dbCopy); err != nil {
		return fmt.Errorf("copy database: %w", err)
	}
	if err := EncryptFile(dbCopy, encFile, m.cfg.Passphrase); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	encData, err := os.Open(encFile)
	if err != nil {
		return fmt.Errorf("open encrypted file: %w", err)
	}
	defer encData.Close()
	stat, err := encData.Stat()
	if err != nil {
		return fmt.Errorf("stat encrypted file: %w", err)
	}

	if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(key),
		Body:          encData,
		ContentLength: aws.Int64(stat.Size()),
	}); err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}

	m.mu.Lock()
	m.lastAt = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Info("backup uploaded", "key", key, "size_bytes", stat.Size())
	return nil
}

// prune deletes backup objects older than the retention period. Object age
// comes from the timestamp embedded in the key, so pruning does not depend
// on bucket metadata.
func (m *Manager) prune(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)

	out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.Bucket),
		Prefix: aws.String(objectPrefix),
	})
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}

	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		ts, ok := parseBackupKey(key)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete old backup", "key", key, "error", err)
		}
	}
	return nil
}

func parseBackupKey(key string) (time.Time, bool) {
	name := strings.TrimPrefix(key, objectPrefix)
	name = strings.TrimPrefix(name, "trafficlens-")
	name = strings.TrimSuffix(name, ".db.enc")
	ts, err := time.Parse("2006-01-02T150405Z", name)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
