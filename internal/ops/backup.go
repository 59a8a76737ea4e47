package ops

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sandwichfarm/hearsay/internal/storage"
)

// BackupManager copies the sqlite database to a backup location. The WAL is
// checkpointed first so the copy is a consistent snapshot.
type BackupManager struct {
	store  *storage.Store
	logger *Logger
	dbPath string
}

// NewBackupManager creates a new backup manager
func NewBackupManager(store *storage.Store, logger *Logger, dbPath string) *BackupManager {
	return &BackupManager{
		store:  store,
		logger: logger.WithComponent("backup"),
		dbPath: dbPath,
	}
}

// Backup creates a backup of the database at destPath.
func (b *BackupManager) Backup(ctx context.Context, destPath string) error {
	start := time.Now()
	b.logger.Info("starting database backup", "destination", destPath)

	if b.dbPath == "" {
		return fmt.Errorf("database path not set")
	}

	if err := b.store.Sync(); err != nil {
		return fmt.Errorf("failed to checkpoint before backup: %w", err)
	}

	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		b.logger.LogBackupOperation("create directory", destPath, 0, err)
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	size, err := copyFile(b.dbPath, destPath)
	if err != nil {
		b.logger.LogBackupOperation("backup", destPath, size, err)
		return fmt.Errorf("failed to copy database: %w", err)
	}

	b.logger.LogBackupOperation("backup", destPath, size, nil)
	b.logger.Info("database backup completed",
		"destination", destPath,
		"size_mb", float64(size)/1024/1024,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Restore copies a backup file over destPath. The database must be closed.
func (b *BackupManager) Restore(ctx context.Context, backupPath, destPath string) error {
	b.logger.Info("starting database restore", "backup", backupPath, "destination", destPath)

	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup file not found: %s", backupPath)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	size, err := copyFile(backupPath, destPath)
	if err != nil {
		b.logger.LogBackupOperation("restore", destPath, size, err)
		return fmt.Errorf("failed to restore database: %w", err)
	}

	b.logger.LogBackupOperation("restore", destPath, size, nil)
	return nil
}

func copyFile(src, dst string) (int64, error) {
	sourceFile, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destFile.Close()

	size, err := io.Copy(destFile, sourceFile)
	if err != nil {
		return size, fmt.Errorf("failed to copy file: %w", err)
	}

	if err := destFile.Sync(); err != nil {
		return size, fmt.Errorf("failed to sync file: %w", err)
	}
	return size, nil
}

const backupFilePrefix = "hearsay-backup-"

// PeriodicBackup runs timestamped backups on an interval.
type PeriodicBackup struct {
	manager  *BackupManager
	destDir  string
	interval time.Duration
	logger   *Logger
	stopChan chan struct{}
}

// NewPeriodicBackup creates a new periodic backup handler
func NewPeriodicBackup(manager *BackupManager, destDir string, interval time.Duration, logger *Logger) *PeriodicBackup {
	return &PeriodicBackup{
		manager:  manager,
		destDir:  destDir,
		interval: interval,
		logger:   logger.WithComponent("periodic-backup"),
		stopChan: make(chan struct{}),
	}
}

// Start begins periodic backups. Blocks until the context ends or Stop.
func (p *PeriodicBackup) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("periodic backup started", "destination", p.destDir, "interval", p.interval)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("periodic backup stopped")
			return
		case <-p.stopChan:
			p.logger.Info("periodic backup stopped")
			return
		case <-ticker.C:
			timestamp := time.Now().Format("20060102-150405")
			backupPath := filepath.Join(p.destDir, backupFilePrefix+timestamp+".db")
			if err := p.manager.Backup(ctx, backupPath); err != nil {
				p.logger.Error("periodic backup failed", "error", err)
			}
		}
	}
}

// Stop stops the periodic backup
func (p *PeriodicBackup) Stop() {
	close(p.stopChan)
}

// CleanOldBackups removes backups older than maxAge from backupDir.
func CleanOldBackups(backupDir string, maxAge time.Duration, logger *Logger) error {
	logger.Info("cleaning old backups", "directory", backupDir, "max_age", maxAge)

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("failed to read backup directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var deleted int

	for _, entry := range entries {
		if entry.IsDir() || !isBackupFile(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get file info", "file", entry.Name(), "error", err)
			continue
		}

		if info.ModTime().Before(cutoff) {
			path := filepath.Join(backupDir, entry.Name())
			if err := os.Remove(path); err != nil {
				logger.Warn("failed to delete old backup", "file", path, "error", err)
			} else {
				deleted++
			}
		}
	}

	logger.Info("old backup cleanup completed", "deleted", deleted)
	return nil
}

func isBackupFile(name string) bool {
	return filepath.Ext(name) == ".db" && strings.HasPrefix(name, backupFilePrefix)
}
