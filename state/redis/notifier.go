// Package redis fans ledger append notifications out across processes using
// Redis pub/sub, so a tail in one orchestrator wakes on appends made by another.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "trusted-trading"

type Notifier struct {
	client   *goredis.Client
	prefix   string
	addr     string
	db       int
	password string
	owned    bool
}

type Option func(*Notifier)

func WithPassword(password string) Option {
	return func(n *Notifier) {
		n.password = password
	}
}

func WithDB(db int) Option {
	return func(n *Notifier) {
		n.db = db
	}
}

func WithPrefix(prefix string) Option {
	return func(n *Notifier) {
		if strings.TrimSpace(prefix) != "" {
			n.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(n *Notifier) {
		if client != nil {
			n.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Notifier, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	n := &Notifier{
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.client == nil {
		n.client = goredis.NewClient(&goredis.Options{
			Addr:     n.addr,
			Password: n.password,
			DB:       n.db,
		})
		n.owned = true
	}

	if err := n.client.Ping(context.Background()).Err(); err != nil {
		if n.owned {
			_ = n.client.Close()
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return n, nil
}

func (n *Notifier) channel() string {
	return n.prefix + ":audit"
}

func (n *Notifier) Publish(ctx context.Context, id int64) error {
	if err := n.client.Publish(ctx, n.channel(), strconv.FormatInt(id, 10)).Err(); err != nil {
		return fmt.Errorf("failed to publish audit id: %w", err)
	}
	return nil
}

// Subscribe delivers published ids until release is called or ctx ends.
// Malformed payloads are skipped.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan int64, func(), error) {
	sub := n.client.Subscribe(ctx, n.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", n.channel(), err)
	}

	out := make(chan int64, 16)
	done := make(chan struct{})
	msgs := sub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				id, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				select {
				case out <- id:
				default:
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, release, nil
}

func (n *Notifier) Close() error {
	if n == nil || !n.owned {
		return nil
	}
	return n.client.Close()
}
