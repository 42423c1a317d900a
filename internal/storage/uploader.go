package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Organization selects the folder layout under the remote folder
type Organization string

const (
	OrgSingle Organization = "single"
	OrgByDate Organization = "by-date"
	OrgByType Organization = "by-type"
)

const (
	currentDataFolder  = "Current Data"
	previousDataFolder = "Previous Data"
)

// UploaderConfig describes where reports land in the bucket
type UploaderConfig struct {
	Bucket       string
	RemoteFolder string
	Organization Organization
	SkipExisting bool
}

// UploadResult describes one uploaded (or skipped) file
type UploadResult struct {
	LocalPath string
	Key       string
	Size      int64
	Skipped   bool
	Duration  time.Duration
}

// Uploader places report files in object storage
type Uploader struct {
	client Client
	cfg    UploaderConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewUploader creates an uploader writing through client
func NewUploader(client Client, cfg UploaderConfig, logger *zap.Logger) *Uploader {
	if cfg.Organization == "" {
		cfg.Organization = OrgSingle
	}
	return &Uploader{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// RemoteKey returns the object key for a local report file.
// dateRange selects Current Data or Previous Data; when empty the file name
// and its parent directory (e.g. previous-week) decide.
func (u *Uploader) RemoteKey(filePath, dateRange string) string {
	name := filepath.Base(filePath)
	if dateRange == "" {
		dateRange = filepath.Base(filepath.Dir(filePath)) + "/" + name
	}

	dataFolder := currentDataFolder
	if report.IsPrevious(dateRange) {
		dataFolder = previousDataFolder
	}

	parts := []string{}
	if u.cfg.RemoteFolder != "" {
		parts = append(parts, u.cfg.RemoteFolder)
	}
	if org := u.organizationFolder(name); org != "" {
		parts = append(parts, org)
	}
	parts = append(parts, dataFolder, name)
	return path.Join(parts...)
}

func (u *Uploader) organizationFolder(name string) string {
	switch u.cfg.Organization {
	case OrgByDate:
		// Dated folders follow the UTC calendar
		return u.now().UTC().Format("20060102")
	case OrgByType:
		for _, t := range report.Types {
			if strings.HasPrefix(name, t.Prefix()+"-") {
				return t.DisplayName()
			}
		}
	}
	return ""
}

// UploadFile uploads one report file, skipping it when an object of the same
// size already exists under its key and SkipExisting is set
func (u *Uploader) UploadFile(ctx context.Context, filePath, dateRange string) (UploadResult, error) {
	start := time.Now()
	key := u.RemoteKey(filePath, dateRange)
	result := UploadResult{LocalPath: filePath, Key: key}

	file, err := os.Open(filePath)
	if err != nil {
		return result, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return result, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	result.Size = stat.Size()

	if u.cfg.SkipExisting {
		info, err := u.client.HeadObject(ctx, u.cfg.Bucket, key)
		switch {
		case err == nil && info.Size == result.Size:
			result.Skipped = true
			result.Duration = time.Since(start)
			u.logger.Info("Skipping upload, object already exists",
				zap.String("key", key),
				zap.String("size", humanize.Bytes(uint64(result.Size))),
			)
			return result, nil
		case err != nil && !errors.Is(err, ErrObjectNotFound):
			return result, fmt.Errorf("failed to check %s: %w", key, err)
		}
	}

	opts := PutOptions{
		ContentType: contentType(filePath),
		Metadata:    map[string]string{"source-file": filepath.Base(filePath)},
	}
	if err := u.client.PutObject(ctx, u.cfg.Bucket, key, file, result.Size, opts); err != nil {
		return result, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	result.Duration = time.Since(start)
	u.logger.Info("Uploaded report",
		zap.String("file", filePath),
		zap.String("key", key),
		zap.String("size", humanize.Bytes(uint64(result.Size))),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Files returns the report files below dir in lexical order.
// Hidden files and directories (such as the .incoming staging area) are skipped.
func Files(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		hidden := strings.HasPrefix(d.Name(), ".") && p != dir
		if d.IsDir() && hidden {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() && !hidden {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// List returns the objects under the remote folder, optionally narrowed by sub
func (u *Uploader) List(ctx context.Context, sub string) ([]ObjectInfo, error) {
	prefix := path.Join(u.cfg.RemoteFolder, sub)
	if prefix != "" && prefix != "." {
		prefix += "/"
	} else {
		prefix = ""
	}

	var objects []ObjectInfo
	err := u.client.ListObjects(ctx, u.cfg.Bucket, prefix, func(obj ObjectInfo) error {
		objects = append(objects, obj)
		return nil
	})
	if err != nil {
		return objects, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return objects, nil
}

// Check verifies the bucket is reachable
func (u *Uploader) Check(ctx context.Context) error {
	ok, err := u.client.BucketExists(ctx, u.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", u.cfg.Bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", u.cfg.Bucket)
	}
	return nil
}

func contentType(filePath string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filePath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
