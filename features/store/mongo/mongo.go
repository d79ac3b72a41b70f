// Package mongo provides the MongoDB persistence layer: one client wrapper
// plus a store per aggregate, each implementing its service's store
// interface for durability across restarts.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultTimeout = 5 * time.Second
	clientName     = "mongo"
)

// Collection names, one per aggregate.
const (
	collCredentials = "auth_credentials"
	collSessions    = "auth_sessions"
	collOrders      = "work_orders"
	collAssignments = "assignments"
	collIntakes     = "webhook_intakes"
	collNotifyLogs  = "notification_logs"
	collBotSessions = "bot_sessions"
	collMedia       = "media_meta"
	collSequences   = "request_sequences"
)

type (
	// Options configures the client.
	Options struct {
		URI      string
		Database string
		// Timeout bounds each store operation. Zero selects 5s.
		Timeout time.Duration
	}

	// Client owns the driver connection and hands out stores.
	Client struct {
		mongo   *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}
)

// Connect dials MongoDB, verifies the connection and creates the indexes
// every store relies on.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo URI is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	mc, err := mongodriver.Connect(dialCtx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, err
	}
	if err := mc.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, err
	}

	c := &Client{mongo: mc, db: mc.Database(opts.Database), timeout: timeout}
	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.ensureIndexes(idxCtx); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, err
	}
	return c, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying driver client.
func (c *Client) Close(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func isDup(err error) bool {
	return mongodriver.IsDuplicateKeyError(err)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongodriver.ErrNoDocuments)
}
