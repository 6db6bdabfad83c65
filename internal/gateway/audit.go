package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	redacted        = "[REDACTED]"
	maxAuditBodyLen = 4096
)

// AuditLog appends every gateway exchange to a JSON log file per day
// (api_YYYY-MM-DD.log). It is for compliance and debugging only.
type AuditLog struct {
	logger *zap.Logger
	sink   *dailyFile
}

// NewAuditLog creates an audit log writing under dir.
func NewAuditLog(dir string) (*AuditLog, error) {
	return newAuditLog(dir, time.Now)
}

func newAuditLog(dir string, now func() time.Time) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log dir: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "event"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	sink := &dailyFile{dir: dir, now: now}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, zapcore.InfoLevel)

	return &AuditLog{logger: zap.New(core), sink: sink}, nil
}

type auditEntry struct {
	Operation string
	Method    string
	URL       string
	HTTPCode  int
	Request   sessionPayload
	Response  []byte
	Err       error
	Duration  time.Duration
}

// Record writes one exchange. The auth tranKey is scrubbed before write.
func (a *AuditLog) Record(e auditEntry) {
	if a == nil {
		return
	}

	req := e.Request
	req.Auth.TranKey = redacted

	fields := []zap.Field{
		zap.String("operation", e.Operation),
		zap.String("method", e.Method),
		zap.String("url", e.URL),
		zap.Int("http_code", e.HTTPCode),
		zap.Duration("duration", e.Duration),
		zap.Any("request", req),
	}
	if len(e.Response) > 0 {
		if json.Valid(e.Response) {
			fields = append(fields, zap.Any("response", json.RawMessage(e.Response)))
		} else {
			fields = append(fields, zap.String("response", truncate(string(e.Response), maxAuditBodyLen)))
		}
	}
	if e.Err != nil {
		fields = append(fields, zap.String("error", e.Err.Error()))
	}

	a.logger.Info("gateway_request", fields...)
}

// Close flushes and closes the current log file.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	_ = a.logger.Sync()
	return a.sink.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// dailyFile is a zapcore.WriteSyncer that switches files when the date changes.
type dailyFile struct {
	mu   sync.Mutex
	dir  string
	now  func() time.Time
	day  string
	file *os.File
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().Format("2006-01-02")
	if d.file == nil || day != d.day {
		if d.file != nil {
			_ = d.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(d.dir, "api_"+day+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			d.file = nil
			return 0, err
		}
		d.file = f
		d.day = day
	}
	return d.file.Write(p)
}

func (d *dailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.file.Sync()
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
