package database

import (
	"context"
	"fmt"
)

// CreateSubscription registers a notification for a task
func (s *Store) CreateSubscription(ctx context.Context, taskID, notifyURL, data string) (*Subscription, error) {
	sub := Subscription{TaskID: taskID, NotifyURL: notifyURL, SubscriptionData: data}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscription (task_id, notify_url, subscription_data)
		VALUES ($1, $2, $3)
		RETURNING id, created
	`, taskID, notifyURL, data).Scan(&sub.ID, &sub.Created)
	if err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", translate(err))
	}
	return &sub, nil
}

// ListSubscriptions returns the subscriptions of a task
func (s *Store) ListSubscriptions(ctx context.Context, taskID string) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, notify_url, subscription_data, created
		FROM subscription
		WHERE task_id = $1
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.TaskID, &sub.NotifyURL, &sub.SubscriptionData, &sub.Created); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteSubscriptions removes every subscription of a task
func (s *Store) DeleteSubscriptions(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM subscription WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return nil
}
