package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/revbackhq/revback/internal/models"
)

// PostgresUserRepository implements UserRepository.
type PostgresUserRepository struct {
	db *sql.DB
}

// NewPostgresUserRepository creates a new user repository.
func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = ulid.Make().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Metadata == nil {
		user.Metadata = map[string]string{}
	}

	metadata, err := json.Marshal(user.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, org_id, external_user_id, email, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.OrgID, user.ExternalUserID, user.Email, metadata, user.CreatedAt)
	return err
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, orgID, id string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, external_user_id, email, metadata, created_at
		FROM users
		WHERE org_id = $1 AND id = $2
	`, orgID, id)
	return r.scanUser(row)
}

// OldestByIDs picks the merge survivor: earliest created_at, then smallest
// id so concurrent resolvers agree on the same winner.
func (r *PostgresUserRepository) OldestByIDs(ctx context.Context, orgID string, ids []string) (*models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := []any{orgID}
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT id, org_id, external_user_id, email, metadata, created_at
		FROM users
		WHERE org_id = $1 AND id IN (%s)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, strings.Join(placeholders, ", "))

	return r.scanUser(r.db.QueryRowContext(ctx, query, args...))
}

func (r *PostgresUserRepository) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	var metadata []byte
	err := row.Scan(&user.ID, &user.OrgID, &user.ExternalUserID, &user.Email, &metadata, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &user.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &user, nil
}

// PostgresIdentityRepository implements IdentityRepository.
type PostgresIdentityRepository struct {
	db *sql.DB
}

// NewPostgresIdentityRepository creates a new user identity repository.
func NewPostgresIdentityRepository(db *sql.DB) *PostgresIdentityRepository {
	return &PostgresIdentityRepository{db: db}
}

func (r *PostgresIdentityRepository) Find(ctx context.Context, orgID string, source models.Source, idType models.IdentityType, externalID string) (*models.UserIdentity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, user_id, source, id_type, external_id, created_at
		FROM user_identities
		WHERE org_id = $1 AND source = $2 AND id_type = $3 AND external_id = $4
	`, orgID, source, idType, externalID)

	var identity models.UserIdentity
	err := row.Scan(&identity.ID, &identity.OrgID, &identity.UserID,
		&identity.Source, &identity.IDType, &identity.ExternalID, &identity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// Insert deliberately omits ON CONFLICT: two resolvers racing to link the
// same identifier must see the violation so the loser can treat it as done.
func (r *PostgresIdentityRepository) Insert(ctx context.Context, identity *models.UserIdentity) error {
	if identity.ID == "" {
		identity.ID = ulid.Make().String()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_identities (id, org_id, user_id, source, id_type, external_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, identity.ID, identity.OrgID, identity.UserID, identity.Source,
		identity.IDType, identity.ExternalID, identity.CreatedAt)
	return err
}

func (r *PostgresIdentityRepository) Reassign(ctx context.Context, orgID string, source models.Source, idType models.IdentityType, externalID, newUserID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE user_identities
		SET user_id = $1
		WHERE org_id = $2 AND source = $3 AND id_type = $4 AND external_id = $5
	`, newUserID, orgID, source, idType, externalID)
	return err
}
