// Package storage is the durable Postgres copy of the authoritative order and
// notification lists.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/tablesync/pkg/models"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("record not found")

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

type Postgres struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewPostgres(db *sql.DB, logger *logrus.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Open connects and waits up to attempts*interval for the database to
// accept connections.
func Open(ctx context.Context, cfg Config, attempts int, interval time.Duration, logger *logrus.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			return NewPostgres(db, logger), nil
		}
		logger.WithError(err).Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	db.Close()
	return nil, fmt.Errorf("database not ready after %d attempts: %w", attempts, err)
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(255) PRIMARY KEY,
			seq BIGSERIAL,
			table_number VARCHAR(64) NOT NULL,
			total_amount DECIMAL(12,2) NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			item_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			price_label VARCHAR(64) NOT NULL,
			quantity INTEGER NOT NULL,
			price_value DECIMAL(12,2) NOT NULL,
			PRIMARY KEY (order_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id VARCHAR(255) PRIMARY KEY,
			seq BIGSERIAL,
			type VARCHAR(32) NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			data JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_seq ON orders(seq)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_seq ON notifications(seq)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// SaveOrder inserts the order and its items. An id that is already stored
// is left exactly as it is: orders are immutable apart from their status.
func (p *Postgres) SaveOrder(ctx context.Context, order models.Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, table_number, total_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		order.ID, order.TableNumber, order.TotalAmount, string(order.Status), order.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	if inserted == 0 {
		p.logger.WithField("order_id", order.ID).Debug("Order already stored, keeping existing row")
		return tx.Commit()
	}

	for i, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, item_id, name, price_label, quantity, price_value)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			order.ID, i, item.ID, item.Name, item.Price, item.Quantity, item.PriceValue)
		if err != nil {
			return fmt.Errorf("failed to save item %d of %s: %w", i, order.ID, err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}
	return requireRow(res, id)
}

func (p *Postgres) ClearOrders(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_items`); err != nil {
		return fmt.Errorf("failed to clear order items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders`); err != nil {
		return fmt.Errorf("failed to clear orders: %w", err)
	}
	return tx.Commit()
}

// LoadOrders returns every order in insertion order.
func (p *Postgres) LoadOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, table_number, total_amount, status, created_at
		FROM orders ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []models.Order{}
	index := make(map[string]int)
	for rows.Next() {
		var o models.Order
		var status string
		if err := rows.Scan(&o.ID, &o.TableNumber, &o.TotalAmount, &status, &o.Timestamp); err != nil {
			return nil, err
		}
		o.Status = models.OrderStatus(status)
		index[o.ID] = len(orders)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemRows, err := p.db.QueryContext(ctx, `
		SELECT order_id, item_id, name, price_label, quantity, price_value
		FROM order_items ORDER BY order_id, position`)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var orderID string
		var item models.OrderItem
		if err := itemRows.Scan(&orderID, &item.ID, &item.Name, &item.Price, &item.Quantity, &item.PriceValue); err != nil {
			return nil, err
		}
		idx, ok := index[orderID]
		if !ok {
			continue
		}
		orders[idx].Items = append(orders[idx].Items, item)
	}
	return orders, itemRows.Err()
}

func (p *Postgres) SaveNotification(ctx context.Context, n models.Notification) error {
	var data interface{}
	if len(n.Data) > 0 {
		data = string(n.Data)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, type, title, message, created_at, read, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, string(n.Type), n.Title, n.Message, n.Timestamp, n.Read, data)
	if err != nil {
		return fmt.Errorf("failed to save notification %s: %w", n.ID, err)
	}
	return nil
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s read: %w", id, err)
	}
	return requireRow(res, id)
}

func (p *Postgres) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE read = FALSE`)
	return err
}

func (p *Postgres) ClearNotifications(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM notifications`)
	return err
}

// LoadNotifications returns notifications most-recent-first.
func (p *Postgres) LoadNotifications(ctx context.Context) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, title, message, created_at, read, data
		FROM notifications ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		var typ string
		var data []byte
		if err := rows.Scan(&n.ID, &typ, &n.Title, &n.Message, &n.Timestamp, &n.Read, &data); err != nil {
			return nil, err
		}
		n.Type = models.NotificationType(typ)
		if len(data) > 0 {
			n.Data = append([]byte(nil), data...)
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
