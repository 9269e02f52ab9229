package hmr

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/logfields"
)

// NATSConfig configures forwarding of HMR messages to NATS.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	// KVBucket, when set, keeps the latest built snapshot per platform in a
	// JetStream key-value bucket.
	KVBucket string
}

type publisher interface {
	Publish(subject string, data []byte) error
}

type kvPutter interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// NATSSink publishes every HMR message as JSON to
// "<prefix>.<platform>.hmr".
type NATSSink struct {
	conn   *nats.Conn
	pub    publisher
	kv     kvPutter
	prefix string
}

// NewNATSSink connects to cfg.URL and, with a bucket configured, opens or
// creates the snapshot bucket.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, ferrors.ConfigError("NATS URL is required").Build()
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("packd"))
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryTransport, "connect to NATS").
			WithContext("url", cfg.URL).
			Build()
	}

	sink := &NATSSink{conn: conn, pub: conn, prefix: subjectPrefix(cfg.SubjectPrefix)}
	if cfg.KVBucket != "" {
		kv, err := openBucket(conn, cfg.KVBucket)
		if err != nil {
			conn.Close()
			return nil, err
		}
		sink.kv = kv
	}

	slog.Info("NATS HMR sink connected",
		slog.String("url", cfg.URL),
		slog.String("subject_prefix", sink.prefix),
		slog.String("kv_bucket", cfg.KVBucket))
	return sink, nil
}

func openBucket(conn *nats.Conn, bucket string) (jetstream.KeyValue, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryTransport, "create JetStream context").Build()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if kv, err := js.KeyValue(ctx, bucket); err == nil {
		return kv, nil
	}
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Latest packd build snapshot per platform",
		History:     1,
	})
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryTransport, "create KV bucket").
			WithContext("bucket", bucket).
			Build()
	}
	return kv, nil
}

func subjectPrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), ".")
	if p == "" {
		return "packd"
	}
	return p
}

// Subject returns the subject messages for platform are published on.
func (s *NATSSink) Subject(platform string) string {
	return s.prefix + "." + platform + ".hmr"
}

// Publish implements Sink.
func (s *NATSSink) Publish(platform string, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "encode HMR message").Build()
	}
	if err := s.pub.Publish(s.Subject(platform), data); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "publish HMR message").
			WithContext("platform", platform).
			Build()
	}

	if s.kv != nil && msg.Action == ActionBuilt && msg.Body != nil && len(msg.Body.Errors) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.kv.Put(ctx, platform, data); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryTransport, "store snapshot").
				WithContext("platform", platform).
				Build()
		}
	}
	slog.Debug("Forwarded HMR message to NATS", logfields.Platform(platform), slog.String("action", string(msg.Action)))
	return nil
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "drain NATS connection").Build()
	}
	return nil
}
