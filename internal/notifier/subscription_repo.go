package notifier

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	mqcontracts "taskremind/contracts/mq"
	"taskremind/pkg/metrics"
)

// SubscriptionRepository stores one row per registered device endpoint. Rows
// are created on client registration and deleted on unsubscribe or when the
// push service reports the endpoint permanently gone.
type SubscriptionRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewSubscriptionRepository(db *pgxpool.Pool, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, logger: logger}
}

func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]mqcontracts.PushSubscription, error) {
	start := time.Now()
	query := `
        SELECT endpoint, p256dh_key, auth_key
        FROM push_subscriptions
        WHERE user_id = $1
        ORDER BY created_at
    `
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.logger.Error("Failed to query push subscriptions",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return nil, err
	}
	defer rows.Close()

	subs := []mqcontracts.PushSubscription{}
	for rows.Next() {
		var s mqcontracts.PushSubscription
		if err := rows.Scan(&s.Endpoint, &s.Keys.P256dh, &s.Keys.Auth); err != nil {
			r.logger.Error("Failed to scan subscription row",
				zap.Error(err),
				zap.String("user_id", userID),
			)
			return nil, err
		}
		subs = append(subs, s)
	}

	metrics.RecordDBQuery("select", "push_subscriptions", time.Since(start))
	return subs, rows.Err()
}

func (r *SubscriptionRepository) Insert(ctx context.Context, userID string, sub mqcontracts.PushSubscription) error {
	start := time.Now()
	query := `
        INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, created_at)
        VALUES ($1, $2, $3, $4, NOW())
        ON CONFLICT (endpoint) DO UPDATE
        SET user_id = EXCLUDED.user_id,
            p256dh_key = EXCLUDED.p256dh_key,
            auth_key = EXCLUDED.auth_key
    `
	_, err := r.db.Exec(ctx, query, userID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth)
	if err != nil {
		r.logger.Error("Failed to insert push subscription",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return err
	}
	metrics.RecordDBQuery("insert", "push_subscriptions", time.Since(start))
	return nil
}

// DeleteByEndpoint removes a subscription whose endpoint is gone (the push
// service answered 404/410). Transient delivery failures never reach here.
func (r *SubscriptionRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	start := time.Now()
	query := `DELETE FROM push_subscriptions WHERE endpoint = $1`
	tag, err := r.db.Exec(ctx, query, endpoint)
	if err != nil {
		r.logger.Error("Failed to delete push subscription", zap.Error(err))
		return err
	}
	metrics.RecordDBQuery("delete", "push_subscriptions", time.Since(start))
	r.logger.Info("Deleted expired push subscription",
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}
