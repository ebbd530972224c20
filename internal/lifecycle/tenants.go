package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/maxiofs/maxiofs/internal/logging/audit"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
)

// TenantSpec describes a tenant to create.
type TenantSpec struct {
	ID          string // generated when empty
	DisplayName string
	Quota       meta.QuotaLimits
}

// CreateTenant creates an active tenant. Display names are unique
// case-insensitively.
func (m *Manager) CreateTenant(ctx context.Context, spec TenantSpec) (*meta.Tenant, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if err := validateID("tenant id", spec.ID); err != nil {
		return nil, err
	}
	if err := validateDisplayName("tenant name", spec.DisplayName); err != nil {
		return nil, err
	}
	if err := validateQuota(spec.Quota); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &meta.Tenant{
		ID:          spec.ID,
		DisplayName: spec.DisplayName,
		Status:      meta.TenantActive,
		Quota:       spec.Quota,
		CreatedAt:   m.now().UTC(),
	}
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		if tx.Exists(meta.TenantKey(t.ID)) {
			return fmt.Errorf("%w: tenant id %s", ErrNameConflict, t.ID)
		}
		if tx.Exists(meta.TenantNameKey(t.DisplayName)) {
			return fmt.Errorf("%w: tenant name %q", ErrNameConflict, t.DisplayName)
		}
		if err := tx.Put(meta.TenantNameKey(t.DisplayName), []byte(t.ID)); err != nil {
			return err
		}
		if err := tx.PutJSON(meta.TenantKey(t.ID), t); err != nil {
			return err
		}
		return tx.PutJSON(meta.LedgerKey(t.ID), meta.LedgerEntry{})
	})
	if err != nil {
		m.audit.LogTenantOp(t.ID, "CreateTenant", "", audit.ResultFailed, err.Error())
		return nil, err
	}
	m.audit.LogTenantOp(t.ID, "CreateTenant", "", audit.ResultOK, "")
	return t, nil
}

// GetTenant returns a tenant record.
func (m *Manager) GetTenant(ctx context.Context, tenantID string) (*meta.Tenant, error) {
	var t *meta.Tenant
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		var err error
		t, err = m.loadTenant(tx, tenantID)
		return err
	})
	return t, err
}

// ListTenants returns every tenant ordered by id.
func (m *Manager) ListTenants(ctx context.Context) ([]*meta.Tenant, error) {
	var out []*meta.Tenant
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		out = nil
		return tx.Scan(meta.TenantPrefix(), func(key string, value []byte) error {
			var t meta.Tenant
			if err := decode(value, &t); err != nil {
				return fmt.Errorf("tenant %q: %w", meta.LastComponent(key), err)
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

// SetTenantStatus activates or deactivates a tenant. An inactive tenant keeps
// its data but cannot create buckets, objects or keys. The deleting status is
// owned by DeleteTenant.
func (m *Manager) SetTenantStatus(ctx context.Context, tenantID string, status meta.TenantStatus) error {
	if status != meta.TenantActive && status != meta.TenantInactive {
		return invalid("tenant status", "must be %q or %q", meta.TenantActive, meta.TenantInactive)
	}
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		t, err := m.loadTenant(tx, tenantID)
		if err != nil {
			return err
		}
		if t.Status == meta.TenantDeleting {
			return fmt.Errorf("%w: %s is being deleted", ErrTenantInactive, tenantID)
		}
		t.Status = status
		return tx.PutJSON(meta.TenantKey(tenantID), t)
	})
	m.auditTenant(tenantID, "SetTenantStatus", string(status), err)
	return err
}

// SetTenantQuota replaces a tenant's limits. Limits may be set below current
// usage: existing data is kept and only further increases are refused.
func (m *Manager) SetTenantQuota(ctx context.Context, tenantID string, limits meta.QuotaLimits) (*quota.Usage, error) {
	if err := validateQuota(limits); err != nil {
		return nil, err
	}
	var usage *quota.Usage
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		t, err := m.loadTenant(tx, tenantID)
		if err != nil {
			return err
		}
		t.Quota = limits
		if err := tx.PutJSON(meta.TenantKey(tenantID), t); err != nil {
			return err
		}
		usage, err = m.ledger.UsageTx(tx, tenantID)
		return err
	})
	m.auditTenant(tenantID, "SetTenantQuota", "", err)
	if err != nil {
		return nil, err
	}
	if usage.MaxStorageBytes > 0 && usage.CurrentStorageBytes > usage.MaxStorageBytes {
		m.logger.Warn().
			Str("tenant", tenantID).
			Int64("current_bytes", usage.CurrentStorageBytes).
			Int64("max_bytes", usage.MaxStorageBytes).
			Msg("Tenant quota set below current usage")
	}
	return usage, nil
}

// TenantQuota returns the tenant quota query view.
func (m *Manager) TenantQuota(ctx context.Context, tenantID string) (*quota.Usage, error) {
	u, err := m.ledger.Usage(ctx, tenantID)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return u, err
}

// CreateUser adds a user to an active tenant. Usernames are unique within the
// tenant.
func (m *Manager) CreateUser(ctx context.Context, tenantID, username string) (*meta.User, error) {
	if err := validateDisplayName("username", username); err != nil {
		return nil, err
	}
	u := &meta.User{TenantID: tenantID, ID: uuid.NewString(), Username: username, CreatedAt: m.now().UTC()}
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		if _, err := m.activeTenant(tx, tenantID); err != nil {
			return err
		}
		conflict := false
		if err := tx.Scan(meta.UserPrefix(tenantID), func(_ string, value []byte) error {
			var existing meta.User
			if err := decode(value, &existing); err != nil {
				return err
			}
			if strings.EqualFold(existing.Username, username) {
				conflict = true
				return meta.ErrStopScan
			}
			return nil
		}); err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("%w: user %q", ErrNameConflict, username)
		}
		return tx.PutJSON(meta.UserKey(tenantID, u.ID), u)
	})
	m.auditTenant(tenantID, "CreateUser", u.ID, err)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// DeleteUser removes a user and the access keys issued to it.
func (m *Manager) DeleteUser(ctx context.Context, tenantID, userID string) error {
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		return m.deleteUserTx(tx, tenantID, userID)
	})
	m.auditTenant(tenantID, "DeleteUser", userID, err)
	return err
}

func (m *Manager) deleteUserTx(tx *meta.Tx, tenantID, userID string) error {
	if !tx.Exists(meta.UserKey(tenantID, userID)) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	var owned []string
	if err := tx.Scan(meta.AccessKeyPrefix(tenantID), func(key string, value []byte) error {
		var k meta.AccessKey
		if err := decode(value, &k); err != nil {
			return err
		}
		if k.UserID == userID {
			owned = append(owned, key)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, key := range owned {
		if err := tx.Delete(key); err != nil {
			return err
		}
	}
	if err := m.ledger.Apply(tx, tenantID, quota.Delta{AccessKeys: -int64(len(owned))}); err != nil {
		return err
	}
	return tx.Delete(meta.UserKey(tenantID, userID))
}

// ListUsers returns a tenant's users.
func (m *Manager) ListUsers(ctx context.Context, tenantID string) ([]*meta.User, error) {
	var out []*meta.User
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		out = nil
		if _, err := m.loadTenant(tx, tenantID); err != nil {
			return err
		}
		return tx.Scan(meta.UserPrefix(tenantID), func(_ string, value []byte) error {
			var u meta.User
			if err := decode(value, &u); err != nil {
				return err
			}
			out = append(out, &u)
			return nil
		})
	})
	return out, err
}

// CreateAccessKey issues an access key, enforcing the tenant's key limit.
// userID may be empty for a tenant-level key.
func (m *Manager) CreateAccessKey(ctx context.Context, tenantID, userID string) (*meta.AccessKey, error) {
	k := &meta.AccessKey{TenantID: tenantID, ID: newAccessKeyID(), UserID: userID, CreatedAt: m.now().UTC()}
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		t, err := m.activeTenant(tx, tenantID)
		if err != nil {
			return err
		}
		if t == nil {
			return invalid("tenant id", "access keys require a tenant")
		}
		if userID != "" && !tx.Exists(meta.UserKey(tenantID, userID)) {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		if err := m.ledger.CheckAccessKeys(tx, t); err != nil {
			return err
		}
		if err := tx.PutJSON(meta.AccessKeyKey(tenantID, k.ID), k); err != nil {
			return err
		}
		return m.ledger.Apply(tx, tenantID, quota.Delta{AccessKeys: 1})
	})
	m.auditTenant(tenantID, "CreateAccessKey", k.ID, err)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// DeleteAccessKey revokes an access key.
func (m *Manager) DeleteAccessKey(ctx context.Context, tenantID, keyID string) error {
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		return m.deleteAccessKeyTx(tx, tenantID, keyID)
	})
	m.auditTenant(tenantID, "DeleteAccessKey", keyID, err)
	return err
}

func (m *Manager) deleteAccessKeyTx(tx *meta.Tx, tenantID, keyID string) error {
	key := meta.AccessKeyKey(tenantID, keyID)
	if !tx.Exists(key) {
		return fmt.Errorf("%w: %s", ErrAccessKeyNotFound, keyID)
	}
	if err := tx.Delete(key); err != nil {
		return err
	}
	return m.ledger.Apply(tx, tenantID, quota.Delta{AccessKeys: -1})
}

// ListAccessKeys returns a tenant's access keys.
func (m *Manager) ListAccessKeys(ctx context.Context, tenantID string) ([]*meta.AccessKey, error) {
	var out []*meta.AccessKey
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		out = nil
		if _, err := m.loadTenant(tx, tenantID); err != nil {
			return err
		}
		return tx.Scan(meta.AccessKeyPrefix(tenantID), func(_ string, value []byte) error {
			var k meta.AccessKey
			if err := decode(value, &k); err != nil {
				return err
			}
			out = append(out, &k)
			return nil
		})
	})
	return out, err
}

func (m *Manager) auditTenant(tenantID, op, subject string, err error) {
	if err != nil {
		m.audit.LogTenantOp(tenantID, op, subject, audit.ResultFailed, err.Error())
		return
	}
	m.audit.LogTenantOp(tenantID, op, subject, audit.ResultOK, "")
}

// newAccessKeyID returns a 20 character uppercase key id in the AWS style.
func newAccessKeyID() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "AK" + id[:18]
}
