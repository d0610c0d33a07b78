package db

import (
	"context"
	"encoding/json"
	"time"

	"courier/internal/types"
)

// DeliveryLogRepository provides append-only access to the delivery_logs
// table. Rows are never updated or deleted by the pipeline: retried stages
// intentionally produce multiple rows, and the history for one
// (notification_id, channel_id) pair is read back in timestamp order with
// ties broken by the bigserial id (write order).
//
// Table shape:
//
//	CREATE TABLE delivery_logs (
//	    id                  BIGSERIAL PRIMARY KEY,
//	    notification_id     TEXT        NOT NULL,
//	    event_id            TEXT,
//	    event_name          TEXT,
//	    channel_id          TEXT        NOT NULL,
//	    channel_name        TEXT        NOT NULL,
//	    provider_name       TEXT,
//	    provider_request_id TEXT,
//	    stage               TEXT        NOT NULL,
//	    status              TEXT        NOT NULL,
//	    error_message       TEXT,
//	    message_id          TEXT,
//	    timestamp           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    metadata            JSONB
//	);
//	CREATE INDEX idx_delivery_logs_pair
//	    ON delivery_logs (notification_id, channel_id, timestamp, id);
type DeliveryLogRepository struct {
	db  DBTX
	txm *TxManager
}

// NewDeliveryLogRepository creates a repository backed by the given
// connection (pool or transaction). The TxManager is used by InsertAll;
// pass nil when constructing over an existing transaction.
func NewDeliveryLogRepository(db DBTX, txm *TxManager) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db, txm: txm}
}

// insertSQL is shared by Insert and InsertAll.
const insertSQL = `INSERT INTO delivery_logs
	 (notification_id, event_id, event_name, channel_id, channel_name,
	  provider_name, provider_request_id, stage, status, error_message,
	  message_id, timestamp, metadata)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	 RETURNING id`

// Insert appends a single delivery log row. A failure here is a
// persistence error the caller must escalate; the row is never silently
// dropped.
func (r *DeliveryLogRepository) Insert(ctx context.Context, entry *types.DeliveryLog) error {
	return insertOne(ctx, r.db, entry)
}

// InsertAll appends the given rows as an all-or-nothing unit. Row order is
// preserved: ids are assigned in slice order inside a single transaction.
func (r *DeliveryLogRepository) InsertAll(ctx context.Context, entries []*types.DeliveryLog) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) == 1 {
		return r.Insert(ctx, entries[0])
	}
	if r.txm == nil {
		return types.NewAppError(types.ErrCodeInternalDB, "transactional insert requires a tx manager", nil)
	}

	return r.txm.RunInTx(ctx, func(ctx context.Context, tx DBTX) error {
		for _, entry := range entries {
			if err := insertOne(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertOne(ctx context.Context, db DBTX, entry *types.DeliveryLog) error {
	row := db.QueryRow(ctx, insertSQL,
		entry.NotificationID,
		nilIfEmpty(entry.EventID),
		nilIfEmpty(entry.EventName),
		entry.ChannelID,
		string(entry.ChannelName),
		nilIfEmpty(entry.ProviderName),
		nilIfEmpty(entry.ProviderReqID),
		string(entry.Stage),
		string(entry.Status),
		nilIfEmpty(entry.ErrorMessage),
		nilIfEmpty(entry.MessageID),
		entry.Timestamp,
		metadataJSON(entry.Metadata),
	)
	if err := row.Scan(&entry.ID); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append delivery log", err)
	}
	return nil
}

// HasTerminalStage reports whether the history for the pair already ends in
// a terminal stage (provider_success or processing_failed). Used to skip
// re-delivery when a completed task is replayed after a crash before
// acknowledgment.
func (r *DeliveryLogRepository) HasTerminalStage(ctx context.Context, notificationID, channelID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM delivery_logs
		     WHERE notification_id = $1 AND channel_id = $2
		       AND stage IN ('provider_success', 'processing_failed')
		 )`,
		notificationID, channelID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check terminal stage", err)
	}
	return exists, nil
}

// History returns the full stage history for a (notification, channel)
// pair in lifecycle order. Exposed on the ops surface for delivery
// debugging.
func (r *DeliveryLogRepository) History(ctx context.Context, notificationID, channelID string) ([]*types.DeliveryLog, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, notification_id, event_id, event_name, channel_id,
		        channel_name, provider_name, provider_request_id, stage,
		        status, error_message, message_id, timestamp, metadata
		 FROM delivery_logs
		 WHERE notification_id = $1 AND channel_id = $2
		 ORDER BY timestamp, id`,
		notificationID, channelID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query delivery history", err)
	}
	defer rows.Close()

	var results []*types.DeliveryLog
	for rows.Next() {
		var (
			l            types.DeliveryLog
			eventID      *string
			eventName    *string
			channelName  string
			providerName *string
			providerReq  *string
			stage        string
			status       string
			errorMsg     *string
			messageID    *string
			timestamp    time.Time
			metadata     []byte
		)
		if err := rows.Scan(&l.ID, &l.NotificationID, &eventID, &eventName,
			&l.ChannelID, &channelName, &providerName, &providerReq,
			&stage, &status, &errorMsg, &messageID, &timestamp, &metadata); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery log row", err)
		}

		l.ChannelName = types.ChannelType(channelName)
		l.Stage = types.DeliveryStage(stage)
		l.Status = types.DeliveryStatus(status)
		l.Timestamp = timestamp
		if eventID != nil {
			l.EventID = *eventID
		}
		if eventName != nil {
			l.EventName = *eventName
		}
		if providerName != nil {
			l.ProviderName = *providerName
		}
		if providerReq != nil {
			l.ProviderReqID = *providerReq
		}
		if errorMsg != nil {
			l.ErrorMessage = *errorMsg
		}
		if messageID != nil {
			l.MessageID = *messageID
		}
		if metadata != nil {
			_ = json.Unmarshal(metadata, &l.Metadata)
		}

		results = append(results, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating delivery log rows", err)
	}

	return results, nil
}

// nilIfEmpty maps empty strings onto SQL NULL.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// metadataJSON serializes metadata for the JSONB column, NULL when absent.
func metadataJSON(m map[string]any) []byte {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
