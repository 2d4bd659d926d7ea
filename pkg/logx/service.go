package logx

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	kit "fragbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the sink set (console, rotating file, telegram relay) and
// swaps them atomically on config reload. Loggers handed out by the Service
// pick up the new sinks on their next event.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file  *lumberjack.Logger
	relay *telegramRelay

	// telegram target and throttle, guarded by mu
	chatID   int64
	threadID int
	throttle *rate.Limiter
	minLevel zerolog.Level
}

// New builds the Service, applies cfg, and returns a root Logger bound to
// it. sender may be nil; telegram relaying stays off until one exists and a
// target chat is set.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeLayout

	svc := &Service{cfg: cfg, threadID: cfg.Telegram.ThreadID}
	svc.relay = newTelegramRelay(svc, sender)

	// Console-only root so nothing is lost if Apply has trouble with sinks.
	boot := zerolog.New(consoleWriter()).
		Level(levelFromString(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	svc.root.Store(boot)

	svc.Apply(cfg)
	return svc, Logger{svc: svc}
}

func (s *Service) rootLogger() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

// Logger returns a root logger following this service.
func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget points the telegram sink at a chat. A zero chat ID
// disables relaying; a zero thread keeps the previous thread.
func (s *Service) SetTelegramTarget(chat int64, thread int) {
	s.mu.Lock()
	s.chatID = chat
	if thread != 0 {
		s.threadID = thread
	}
	s.mu.Unlock()
}

// Apply rebuilds the sink set from cfg. Safe to call concurrently with
// logging; in-flight events finish on the old sinks.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.refreshRelayPolicy(cfg.Telegram)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	sinks := make([]io.Writer, 0, 3)
	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}
	if cfg.File.Enabled {
		s.file = newRotatingFile(cfg.File)
		sinks = append(sinks, s.file)
	}
	if cfg.Telegram.Enabled {
		s.relay.start()
		sinks = append(sinks, s.relay)
		if s.chatID == 0 {
			os.Stderr.WriteString("logx: telegram sink enabled but no target chat configured\n")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}

	next := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(levelFromString(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(next)
}

// refreshRelayPolicy updates the telegram min-level, throttle and thread
// from cfg. Caller holds mu.
func (s *Service) refreshRelayPolicy(tc TelegramConfig) {
	s.minLevel = levelFromString(tc.MinLevel, zerolog.WarnLevel)
	perSec := tc.RatePerSec
	if perSec < 1 {
		perSec = 1
	}
	s.throttle = rate.NewLimiter(rate.Limit(perSec), perSec)
	if tc.ThreadID != 0 {
		s.threadID = tc.ThreadID
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	file := s.file
	s.file = nil
	relay := s.relay
	s.mu.Unlock()

	if relay != nil {
		relay.stop()
	}
	if file != nil {
		_ = file.Close()
	}
	return nil
}

func newRotatingFile(fc FileConfig) *lumberjack.Logger {
	lj := &lumberjack.Logger{
		Filename:   strings.TrimSpace(fc.Path),
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
	}
	if lj.Filename == "" {
		lj.Filename = "./fragbot.log"
	}
	if lj.MaxSize <= 0 {
		lj.MaxSize = 10
	}
	if lj.MaxBackups <= 0 {
		lj.MaxBackups = 3
	}
	return lj
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: timeLayout,
		FormatCaller: func(i interface{}) string {
			s, _ := i.(string)
			return s
		},
	}
}
