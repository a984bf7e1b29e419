package syncshell

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Options configures a Manager.
type Options struct {
	DataDir          string
	Dialer           Dialer
	Logger           *zap.Logger
	Clock            clockwork.Clock
	SweepGrace       time.Duration
	SweepInterval    time.Duration
	Staleness        time.Duration
	Retention        time.Duration
	GossipInterval   time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	HandshakeTimeout time.Duration
	CacheSize        int
	CompressionLevel int
	PeerName         string
	AdvertiseHints   []string
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		DataDir:          defaultDataDir(),
		Logger:           zap.NewNop(),
		Clock:            clockwork.NewRealClock(),
		SweepGrace:       5 * time.Minute,
		SweepInterval:    time.Minute,
		Staleness:        10 * time.Minute,
		Retention:        24 * time.Hour,
		GossipInterval:   30 * time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       2 * time.Minute,
		HandshakeTimeout: 10 * time.Second,
		CacheSize:        256,
		CompressionLevel: 2,
	}
}

// WithDataDir sets the directory holding blobs and metadata databases.
func WithDataDir(dir string) Option {
	return func(o *Options) { o.DataDir = dir }
}

// WithDialer sets the transport used for outbound peer connections.
func WithDialer(d Dialer) Option {
	return func(o *Options) { o.Dialer = d }
}

// WithLogger sets the logger. Default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithClock injects the clock driving sweeps, staleness, backoff and
// timestamps. Tests pass a fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithSweepGrace sets how long an unreferenced content object is
// retained before the sweeper may delete it.
func WithSweepGrace(d time.Duration) Option {
	return func(o *Options) { o.SweepGrace = d }
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.SweepInterval = d }
}

// WithStaleness sets the window after which an unseen phonebook entry
// drops out of gossip snapshots.
func WithStaleness(d time.Duration) Option {
	return func(o *Options) { o.Staleness = d }
}

// WithRetention sets the window after which an unseen phonebook entry
// is hard-deleted.
func WithRetention(d time.Duration) Option {
	return func(o *Options) { o.Retention = d }
}

// WithGossipInterval sets how often connected peers exchange phonebook
// snapshots.
func WithGossipInterval(d time.Duration) Option {
	return func(o *Options) { o.GossipInterval = d }
}

// WithBackoff sets the reconnect backoff base delay and cap. Jitter is
// always applied.
func WithBackoff(base, max time.Duration) Option {
	return func(o *Options) {
		if base > 0 {
			o.BackoffBase = base
		}
		if max > 0 {
			o.BackoffMax = max
		}
	}
}

// WithHandshakeTimeout bounds a single handshake attempt.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = d }
}

// WithCacheSize sets the in-memory hot-blob cache capacity.
func WithCacheSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.CacheSize = n
		}
	}
}

// WithCompressionLevel sets the zstd level (1..3) for blobs and
// resource bodies.
func WithCompressionLevel(level int) Option {
	return func(o *Options) { o.CompressionLevel = level }
}

// WithAdvertise sets the address hints this peer announces about
// itself in handshakes and phonebook entries.
func WithAdvertise(hints ...string) Option {
	return func(o *Options) { o.AdvertiseHints = hints }
}

// WithPeerName sets the human-readable name sent in handshakes.
func WithPeerName(name string) Option {
	return func(o *Options) { o.PeerName = name }
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "syncshell")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "syncshell")
	}
	return ".syncshell"
}
