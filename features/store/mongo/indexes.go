package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ensureIndexes creates every index the stores rely on. Creation is
// idempotent so restarts are safe.
func (c *Client) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	byColl := map[string][]mongodriver.IndexModel{
		collSessions: {
			{Keys: bson.D{{Key: "access_token", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "refresh_token", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "active", Value: 1}}},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		collOrders: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "date", Value: 1}}},
		},
		collAssignments: {
			{Keys: bson.D{{Key: "order_number", Value: 1}, {Key: "active", Value: 1}}},
			{Keys: bson.D{{Key: "order_number", Value: 1}, {Key: "at", Value: 1}}},
		},
		collIntakes: {
			{Keys: bson.D{{Key: "source", Value: 1}, {Key: "idempotency_key", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt", Value: 1}}},
		},
		collNotifyLogs: {
			{Keys: bson.D{{Key: "correlation_id", Value: 1}, {Key: "channel", Value: 1}, {Key: "recipient", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt", Value: 1}}},
		},
		collBotSessions: {
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		collMedia: {
			{Keys: bson.D{{Key: "request_number", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		collSequences: {
			{Keys: bson.D{{Key: "date", Value: 1}}},
		},
	}
	for coll, models := range byColl {
		if _, err := c.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}
