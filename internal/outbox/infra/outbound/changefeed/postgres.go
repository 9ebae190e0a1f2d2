package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

var errAlreadyListening = errors.New("change feed already has a listener")

// PostgresFeed escucha con LISTEN los avisos que emite el trigger de
// outbox_events. Usa una conexión dedicada fuera del pool de database/sql.
type PostgresFeed struct {
	dsn     string
	channel string
	log     *zap.Logger
}

var _ domain.ChangeFeed = (*PostgresFeed)(nil)

func NewPostgresFeed(dsn, channel string, log *zap.Logger) *PostgresFeed {
	return &PostgresFeed{dsn: dsn, channel: channel, log: log.With(zap.String("component", "pg-change-feed"))}
}

func (f *PostgresFeed) Listen(ctx context.Context, h domain.FeedHandler) error {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return fmt.Errorf("connect change feed: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", f.channel, err)
	}
	if h.OnConnected != nil {
		h.OnConnected()
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		notice, err := parseNotice(n.Payload)
		if err != nil {
			f.log.Warn("⚠️ Aviso de cambio ilegible", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		if h.OnNotice != nil {
			h.OnNotice(notice)
		}
	}
}

func parseNotice(payload string) (domain.ChangeNotice, error) {
	var n domain.ChangeNotice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, err
	}
	if n.EventType == "" {
		return n, errors.New("notice without eventType")
	}
	return n, nil
}
