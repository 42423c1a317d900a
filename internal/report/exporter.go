package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

// waitDelay bounds how long Export waits for output pipes after the command is killed
const waitDelay = 5 * time.Second

// Exporter produces one report file and returns its path
type Exporter interface {
	Export(ctx context.Context, t Type, dateRange string) (string, error)
}

// CommandConfig configures the external export command
type CommandConfig struct {
	// Command is split shell-style. {type}, {range} and {dir} are substituted per argument.
	Command     string
	DownloadDir string
	Timeout     time.Duration
}

// CommandExporter runs the browser automation script and files its download
// under the date-derived report names
type CommandExporter struct {
	cfg    CommandConfig
	argv   []string
	logger *zap.Logger
	now    func() time.Time
}

// NewCommandExporter validates the command line and returns an exporter
func NewCommandExporter(cfg CommandConfig, logger *zap.Logger) (*CommandExporter, error) {
	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid export command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("export command is empty")
	}
	if cfg.DownloadDir == "" {
		return nil, fmt.Errorf("download directory is required")
	}

	return &CommandExporter{
		cfg:    cfg,
		argv:   argv,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Export runs the command for one report and places the result
func (e *CommandExporter) Export(ctx context.Context, t Type, dateRange string) (string, error) {
	tmpDir := filepath.Join(e.cfg.DownloadDir, ".incoming")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	parent := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	replacer := strings.NewReplacer("{type}", string(t), "{range}", dateRange, "{dir}", tmpDir)
	args := make([]string, len(e.argv))
	for i, a := range e.argv {
		args[i] = replacer.Replace(a)
	}

	e.logger.Info("Running export command",
		zap.String("report_type", string(t)),
		zap.String("date_range", dateRange),
		zap.String("command", args[0]),
	)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	if err := cmd.Run(); err != nil {
		switch {
		case parent.Err() != nil:
			return "", fmt.Errorf("export command cancelled: %w", parent.Err())
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", fmt.Errorf("export command timeout after %s", e.cfg.Timeout)
		}
		return "", fmt.Errorf("export command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	downloaded := lastLine(stdout.String())
	if downloaded == "" {
		return "", fmt.Errorf("export command produced no file path")
	}
	if _, err := os.Stat(downloaded); err != nil {
		return "", fmt.Errorf("downloaded file not found: %w", err)
	}

	return e.place(downloaded, t, dateRange)
}

// place copies the download to both report names and removes the temp file.
// A download already written to one of the names is kept as is.
func (e *CommandExporter) place(downloaded string, t Type, dateRange string) (string, error) {
	folder := Folder(e.cfg.DownloadDir, dateRange)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report folder: %w", err)
	}

	primary, secondary := FileNames(t, dateRange, e.now())
	keep := false
	for _, name := range []string{primary, secondary} {
		target := filepath.Join(folder, name)
		if sameFile(downloaded, target) {
			keep = true
			e.logger.Info("Report saved", zap.String("file", target))
			continue
		}
		if err := copyFile(downloaded, target); err != nil {
			return "", fmt.Errorf("failed to save %s: %w", name, err)
		}
		e.logger.Info("Report saved", zap.String("file", target))
	}

	if keep {
		return filepath.Join(folder, primary), nil
	}
	if err := os.Remove(downloaded); err != nil {
		e.logger.Warn("Failed to remove temp download", zap.String("file", downloaded), zap.Error(err))
	}

	return filepath.Join(folder, primary), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// Existing reports for the same period are replaced
	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
