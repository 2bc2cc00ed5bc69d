package maintenance

import (
	"context"
	"log/slog"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/crypto"
	"github.com/revbackhq/revback/internal/models"
)

// CredentialStore is the slice of connection storage the re-encryption
// pass needs.
type CredentialStore interface {
	List(ctx context.Context) ([]*models.BillingConnection, error)
	UpdateCredentials(ctx context.Context, id, credentials string) error
}

// SecretStore is the slice of alert config storage the re-encryption pass
// needs.
type SecretStore interface {
	List(ctx context.Context) ([]*models.AlertConfig, error)
	UpdateSecret(ctx context.Context, id, secret string) error
}

// Reencryptor re-seals stored secrets after a key rotation. Values that
// still decrypt with the current key and plaintext legacy values are left
// untouched.
type Reencryptor struct {
	connections CredentialStore
	alerts      SecretStore
	enc         *crypto.Encryptor
	logger      *slog.Logger
}

// NewReencryptor wires the pass to storage and the active encryptor.
func NewReencryptor(connections CredentialStore, alerts SecretStore, enc *crypto.Encryptor, log *slog.Logger) *Reencryptor {
	return &Reencryptor{
		connections: connections,
		alerts:      alerts,
		enc:         enc,
		logger:      log.With("component", "reencrypt"),
	}
}

// Run walks every stored connection credential and alert secret and
// re-seals the ones that decrypted only with the previous key. Row
// failures are logged and skipped so one unreadable value cannot stall a
// rotation. Returns how many values were rewritten.
func (r *Reencryptor) Run(ctx context.Context) (int, error) {
	updated := 0

	conns, err := r.connections.List(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientIO, "list connections for re-encryption", err)
	}
	for _, conn := range conns {
		sealed, ok := r.reseal(conn.Credentials, "connection", conn.ID)
		if !ok {
			continue
		}
		if err := r.connections.UpdateCredentials(ctx, conn.ID, sealed); err != nil {
			r.logger.Warn("credential update failed", "connection_id", conn.ID, "error", err)
			continue
		}
		updated++
	}

	cfgs, err := r.alerts.List(ctx)
	if err != nil {
		return updated, apperr.Wrap(apperr.KindTransientIO, "list alert configs for re-encryption", err)
	}
	for _, cfg := range cfgs {
		sealed, ok := r.reseal(cfg.Secret, "alert_config", cfg.ID)
		if !ok {
			continue
		}
		if err := r.alerts.UpdateSecret(ctx, cfg.ID, sealed); err != nil {
			r.logger.Warn("secret update failed", "alert_config_id", cfg.ID, "error", err)
			continue
		}
		updated++
	}

	r.logger.Info("credential re-encryption finished", "updated", updated)
	return updated, nil
}

// reseal reports the value re-encrypted under the current key, or ok=false
// when the value needs no rewrite or cannot be read.
func (r *Reencryptor) reseal(value, kind, id string) (string, bool) {
	plaintext, usedPrevious, err := r.enc.DecryptStringReport(value)
	if err != nil {
		r.logger.Warn("stored value unreadable", "kind", kind, "id", id, "error", err)
		return "", false
	}
	if !usedPrevious {
		return "", false
	}
	sealed, err := r.enc.EncryptString(plaintext)
	if err != nil {
		r.logger.Warn("re-encryption failed", "kind", kind, "id", id, "error", err)
		return "", false
	}
	return sealed, true
}
