package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/google/uuid"
)

const accountColumns = `id, user_id, platform, open_id, COALESCE(username, ''), COALESCE(display_name, ''),
	       access_token_enc, COALESCE(refresh_token_enc, ''), COALESCE(scope, ''),
	       expires_at, refresh_expires_at, active, created_at, updated_at`

type Accounts struct {
	db *sql.DB
}

func NewAccounts(db *sql.DB) *Accounts { return &Accounts{db: db} }

func scanAccount(row rowScanner) (*models.ConnectedAccount, error) {
	var (
		a                   models.ConnectedAccount
		expires, refreshExp sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Platform, &a.OpenID, &a.Username, &a.DisplayName,
		&a.AccessTokenCipher, &a.RefreshTokenCipher, &a.Scope,
		&expires, &refreshExp, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ExpiresAt = nullTimePtr(expires)
	a.RefreshExpiresAt = nullTimePtr(refreshExp)
	return &a, nil
}

// Upsert relies on UNIQUE(user_id, platform, open_id); a reconnect keeps the original id.
func (s *Accounts) Upsert(ctx context.Context, acc *models.ConnectedAccount) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO public.connected_accounts
		  (id, user_id, platform, open_id, username, display_name, access_token_enc, refresh_token_enc,
		   scope, expires_at, refresh_expires_at, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), $7, NULLIF($8,''), NULLIF($9,''), $10, $11, TRUE, NOW(), NOW())
		ON CONFLICT (user_id, platform, open_id) DO UPDATE SET
		  username = EXCLUDED.username,
		  display_name = EXCLUDED.display_name,
		  access_token_enc = EXCLUDED.access_token_enc,
		  refresh_token_enc = COALESCE(EXCLUDED.refresh_token_enc, public.connected_accounts.refresh_token_enc),
		  scope = EXCLUDED.scope,
		  expires_at = EXCLUDED.expires_at,
		  refresh_expires_at = EXCLUDED.refresh_expires_at,
		  active = TRUE,
		  updated_at = NOW()
		RETURNING id, active, created_at, updated_at
	`, acc.ID, acc.UserID, acc.Platform, acc.OpenID, acc.Username, acc.DisplayName, acc.AccessTokenCipher,
		acc.RefreshTokenCipher, acc.Scope, acc.ExpiresAt, acc.RefreshExpiresAt)
	return row.Scan(&acc.ID, &acc.Active, &acc.CreatedAt, &acc.UpdatedAt)
}

func (s *Accounts) GetActive(ctx context.Context, userID, accountID string) (*models.ConnectedAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		  FROM public.connected_accounts
		 WHERE id = $1 AND user_id = $2 AND active
	`, accountID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return a, err
}

func (s *Accounts) FindByOpenID(ctx context.Context, openID string) (*models.ConnectedAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		  FROM public.connected_accounts
		 WHERE open_id = $1 AND active
		 ORDER BY updated_at DESC
		 LIMIT 1
	`, openID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return a, err
}

func (s *Accounts) ListByUser(ctx context.Context, userID string) ([]models.ConnectedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		  FROM public.connected_accounts
		 WHERE user_id = $1
		 ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.ConnectedAccount, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Accounts) Deactivate(ctx context.Context, userID, accountID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.connected_accounts
		   SET active = FALSE, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2
	`, accountID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Accounts) UpdateTokens(ctx context.Context, accountID, accessCipher, refreshCipher string, expiresAt, refreshExpiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.connected_accounts
		   SET access_token_enc = $2,
		       refresh_token_enc = COALESCE(NULLIF($3,''), refresh_token_enc),
		       expires_at = $4,
		       refresh_expires_at = COALESCE($5, refresh_expires_at),
		       updated_at = NOW()
		 WHERE id = $1
	`, accountID, accessCipher, refreshCipher, expiresAt, refreshExpiresAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.Accounts = (*Accounts)(nil)
