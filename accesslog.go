package fetchpool

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoWorker is the worker field of requests that never reached a worker.
const NoWorker = "none"

// AccessLogFile is the name of the access log inside the log directory.
const AccessLogFile = "access.log"

const accessLogTimeFormat = "2006-01-02T15:04:05.000000"

// AccessLogRecord is one line of the access log:
//
//	timestamp|client_ip|method|url|domain|status|worker_id|cached|response_time_ms
type AccessLogRecord struct {
	Time         time.Time
	ClientIP     string
	Method       string
	URL          string
	Domain       string
	Status       int
	Worker       string
	Cached       bool
	ResponseTime time.Duration
}

// DomainOf returns the host part of a URL, or "unknown".
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// String formats the record as a log line, without the trailing newline.
func (rec AccessLogRecord) String() string {
	return strings.Join([]string{
		rec.Time.Format(accessLogTimeFormat),
		field(rec.ClientIP),
		field(rec.Method),
		field(rec.URL),
		field(rec.Domain),
		strconv.Itoa(rec.Status),
		field(rec.Worker),
		pyBool(rec.Cached),
		formatMillis(rec.ResponseTime),
	}, "|")
}

// field keeps the separator and line breaks out of a value.
func field(s string) string {
	return strings.NewReplacer("|", "%7C", "\n", "%0A", "\r", "%0D").Replace(s)
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func formatMillis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64)
}

// ParseAccessLogRecord parses a line written by AccessLog.
func ParseAccessLogRecord(line string) (AccessLogRecord, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), "|")
	if len(parts) != 9 {
		return AccessLogRecord{}, fmt.Errorf("access log line has %d fields, want 9", len(parts))
	}
	ts, err := time.ParseInLocation(accessLogTimeFormat, parts[0], time.Local)
	if err != nil {
		return AccessLogRecord{}, fmt.Errorf("timestamp: %w", err)
	}
	status, err := strconv.Atoi(parts[5])
	if err != nil {
		return AccessLogRecord{}, fmt.Errorf("status: %w", err)
	}
	var cached bool
	switch parts[7] {
	case "True":
		cached = true
	case "False":
	default:
		return AccessLogRecord{}, fmt.Errorf("cached: invalid value %q", parts[7])
	}
	ms, err := strconv.ParseFloat(parts[8], 64)
	if err != nil {
		return AccessLogRecord{}, fmt.Errorf("response time: %w", err)
	}
	return AccessLogRecord{
		Time:         ts,
		ClientIP:     parts[1],
		Method:       parts[2],
		URL:          parts[3],
		Domain:       parts[4],
		Status:       status,
		Worker:       parts[6],
		Cached:       cached,
		ResponseTime: time.Duration(ms * float64(time.Millisecond)),
	}, nil
}

// AccessLogger receives one record per handled request.
type AccessLogger interface {
	LogAccess(AccessLogRecord)
}

// AccessLog appends records to a writer, one line each.
// Write failures are logged and otherwise ignored: the access log never
// fails a request.
type AccessLog struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	log    zerolog.Logger
}

func NewAccessLog(w io.Writer) *AccessLog {
	return &AccessLog{
		w:   w,
		log: log.Logger.With().Str("component", "accesslog").Logger(),
	}
}

// OpenAccessLog opens (creating if needed) access.log in dir for appending.
func OpenAccessLog(dir string) (*AccessLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, AccessLogFile), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	l := NewAccessLog(f)
	l.closer = f
	return l, nil
}

func (l *AccessLog) LogAccess(rec AccessLogRecord) {
	line := rec.String() + "\n"
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, line); err != nil {
		l.log.Error().Err(err).Msg("Could not write access log")
	}
}

func (l *AccessLog) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
