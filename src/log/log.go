package log

import (
	"context"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/consts"
	"github.com/camnvr/camnvr/src/interfaces"
)

func New(ctx context.Context) *interfaces.Logger {
	cfg := configs.GetCurrentConfig()
	logLevel := logrus.InfoLevel
	if cfg != nil && cfg.Debug {
		logLevel = logrus.DebugLevel
	}
	writers := []io.Writer{os.Stderr}
	outputFolder := cfg.Log.OutPutFolder
	if _, err := os.Stat(outputFolder); os.IsNotExist(err) {
		stdlog.Fatalf("err: \"%s\", Failed to determine log output folder: %s", err, outputFolder)
	} else if cfg.Log.SaveLastLog {
		rot := newDailyRotatingWriter(outputFolder, consts.AppName, cfg.Log.RotateDays)
		writers = append(writers, rot)
	}

	logrus.SetOutput(io.MultiWriter(writers...))
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if cfg.Debug {
		logrus.SetReportCaller(true)
	}
	logrus.SetLevel(logLevel)

	return &interfaces.Logger{Logger: logrus.StandardLogger()}
}

// dailyRotatingWriter splits the log by day, file name <base>-YYYY-MM-DD.log,
// keeping at most retentionDays files (<=0 keeps all).
type dailyRotatingWriter struct {
	dir           string
	base          string
	retentionDays int

	mu     sync.Mutex
	curDay string
	file   *os.File
}

func newDailyRotatingWriter(dir, base string, retentionDays int) *dailyRotatingWriter {
	w := &dailyRotatingWriter{dir: dir, base: base, retentionDays: retentionDays}
	w.mu.Lock()
	_ = w.rotateIfNeededLocked(time.Now())
	w.mu.Unlock()
	return w
}

func (w *dailyRotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeededLocked(time.Now()); err != nil {
		return 0, err
	}
	if w.file == nil {
		return 0, io.ErrClosedPipe
	}
	return w.file.Write(p)
}

func (w *dailyRotatingWriter) rotateIfNeededLocked(now time.Time) error {
	day := now.Format("2006-01-02")
	if w.file != nil && day == w.curDay {
		return nil
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	name := filepath.Join(w.dir, w.base+"-"+day+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.curDay = day
	w.cleanupLocked(now)
	return nil
}

func (w *dailyRotatingWriter) cleanupLocked(now time.Time) {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -w.retentionDays)
	pattern := filepath.Join(w.dir, w.base+"-*.log")
	files, _ := filepath.Glob(pattern)
	for _, f := range files {
		base := filepath.Base(f)
		if !strings.HasPrefix(base, w.base+"-") || !strings.HasSuffix(base, ".log") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(base, w.base+"-"), ".log")
		if t, err := time.Parse("2006-01-02", dateStr); err == nil && t.Before(cutoff) {
			_ = os.Remove(f)
		}
	}
}

// GetLogger returns the process-wide logrus logger.
func GetLogger() *logrus.Logger {
	return logrus.StandardLogger()
}

// WithFields is a convenience wrapper over the global logger.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logrus.StandardLogger().WithFields(fields)
}
