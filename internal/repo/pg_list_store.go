package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"Listd/internal/domain"
	"Listd/internal/utils"
)

type PGListStore struct {
	db *pgxpool.Pool
}

func NewPGListStore(db *pgxpool.Pool) *PGListStore {
	return &PGListStore{db: db}
}

const itemColumns = `id, list_id, text, completed_at, deleted_at, sort_order,
	sync_version, last_modified_by, change_seq, created_at, updated_at`

func (r *PGListStore) CreateList(ctx context.Context, name string) (domain.List, error) {
	query := `
		INSERT INTO lists (id, name)
		VALUES ($1, $2)
		RETURNING id, name, created_at, last_modified_at`
	var l domain.List
	err := r.db.QueryRow(ctx, query, uuid.NewString(), name).Scan(
		&l.ID, &l.Name, &l.CreatedAt, &l.LastModifiedAt,
	)
	return l, err
}

func (r *PGListStore) GetList(ctx context.Context, id string) (domain.List, error) {
	query := `SELECT id, name, created_at, last_modified_at FROM lists WHERE id = $1`
	var l domain.List
	err := r.db.QueryRow(ctx, query, id).Scan(&l.ID, &l.Name, &l.CreatedAt, &l.LastModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.List{}, ErrNotFound
	}
	return l, err
}

func (r *PGListStore) GetItems(ctx context.Context, listID string) ([]domain.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM items WHERE list_id = $1 AND deleted_at IS NULL
		ORDER BY sort_order ASC, id ASC`
	rows, err := r.db.Query(ctx, query, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *PGListStore) GetItem(ctx context.Context, listID, itemID string) (domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE list_id = $1 AND id = $2`
	var it domain.Item
	err := r.db.QueryRow(ctx, query, listID, itemID).Scan(itemDest(&it)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, ErrNotFound
	}
	return it, err
}

func (r *PGListStore) InsertItem(ctx context.Context, item domain.Item) (domain.Item, error) {
	query := `
		INSERT INTO items (id, list_id, text, completed_at, sort_order, last_modified_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING ` + itemColumns
	var out domain.Item
	err := r.db.QueryRow(ctx, query,
		item.ID, item.ListID, item.Text, item.CompletedAt, item.SortOrder,
		item.LastModifiedBy, item.CreatedAt,
	).Scan(itemDest(&out)...)
	if err != nil {
		if utils.IsPGUniqueViolation(err) {
			return domain.Item{}, ErrDuplicateItem
		}
		return domain.Item{}, err
	}
	if err := r.touchList(ctx, item.ListID, item.CreatedAt); err != nil {
		return domain.Item{}, err
	}
	return out, nil
}

func (r *PGListStore) UpdateItemCAS(ctx context.Context, item domain.Item, expectedVersion int64) (domain.Item, error) {
	query := `
		UPDATE items SET
			text = $3, completed_at = $4, deleted_at = $5, sort_order = $6,
			sync_version = sync_version + 1, last_modified_by = $7, updated_at = $8,
			change_seq = nextval('item_change_seq')
		WHERE list_id = $1 AND id = $2 AND sync_version = $9
		RETURNING ` + itemColumns
	var out domain.Item
	err := r.db.QueryRow(ctx, query,
		item.ListID, item.ID, item.Text, item.CompletedAt, item.DeletedAt,
		item.SortOrder, item.LastModifiedBy, item.UpdatedAt, expectedVersion,
	).Scan(itemDest(&out)...)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row missing or version moved on; tell them apart for the caller.
		if _, gerr := r.GetItem(ctx, item.ListID, item.ID); gerr != nil {
			return domain.Item{}, gerr
		}
		return domain.Item{}, ErrVersionMismatch
	}
	if err != nil {
		return domain.Item{}, err
	}
	if err := r.touchList(ctx, item.ListID, item.UpdatedAt); err != nil {
		return domain.Item{}, err
	}
	return out, nil
}

func (r *PGListStore) ChangesSince(ctx context.Context, listID string, cursor int64) ([]domain.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM items WHERE list_id = $1 AND change_seq > $2
		ORDER BY change_seq ASC`
	rows, err := r.db.Query(ctx, query, listID, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *PGListStore) Seq(ctx context.Context, listID string) (int64, error) {
	var seq int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(change_seq), 0) FROM items WHERE list_id = $1`, listID,
	).Scan(&seq)
	return seq, err
}

func (r *PGListStore) RebalanceRanks(ctx context.Context, listID string, ranks map[string]string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	now := time.Now().UTC()
	for itemID, rank := range ranks {
		_, err := tx.Exec(ctx, `
			UPDATE items SET sort_order = $3, sync_version = sync_version + 1,
				updated_at = $4, change_seq = nextval('item_change_seq')
			WHERE list_id = $1 AND id = $2 AND deleted_at IS NULL`,
			listID, itemID, rank, now)
		if err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE lists SET last_modified_at = $2 WHERE id = $1`, listID, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PGListStore) PurgeDeleted(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM items WHERE deleted_at IS NOT NULL AND deleted_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PGListStore) touchList(ctx context.Context, listID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE lists SET last_modified_at = $2 WHERE id = $1`, listID, at)
	return err
}

func itemDest(it *domain.Item) []any {
	return []any{
		&it.ID, &it.ListID, &it.Text, &it.CompletedAt, &it.DeletedAt, &it.SortOrder,
		&it.SyncVersion, &it.LastModifiedBy, &it.ChangeSeq, &it.CreatedAt, &it.UpdatedAt,
	}
}

func scanItems(rows pgx.Rows) ([]domain.Item, error) {
	var list []domain.Item
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(itemDest(&it)...); err != nil {
			return nil, err
		}
		list = append(list, it)
	}
	return list, rows.Err()
}
