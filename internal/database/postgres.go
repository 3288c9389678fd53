package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Postgres driver
)

// Postgres implements Store on a plain database/sql pool.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(url string, maxOpen, maxIdle int, maxLifetime time.Duration) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// Ping verifies the pool is alive. Used by the health endpoint.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// ============================================================================
// TENANTS & USERS
// ============================================================================

func (p *Postgres) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := p.db.QueryRowContext(ctx,
		`SELECT tenant_id, name, created_at FROM tenants WHERE tenant_id = $1`,
		tenantID).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) ListTenantUsers(ctx context.Context, tenantID string) ([]User, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT u.user_id, u.tenant_id, u.email, u.name,
		       np.preset, np.custom_minutes, np.do_not_disturb, np.critical_override_dnd
		FROM users u
		LEFT JOIN notification_preferences np ON np.user_id = u.user_id
		WHERE u.tenant_id = $1
		ORDER BY u.created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var preset sql.NullString
		var custom []byte
		var dnd, override sql.NullBool
		if err := rows.Scan(&u.ID, &u.TenantID, &u.Email, &u.Name,
			&preset, &custom, &dnd, &override); err != nil {
			return nil, err
		}
		if preset.Valid {
			prefs := &NotificationPreferences{
				UserID:              u.ID,
				Preset:              preset.String,
				DoNotDisturb:        dnd.Bool,
				CriticalOverrideDND: override.Bool,
			}
			if len(custom) > 0 {
				_ = json.Unmarshal(custom, &prefs.CustomMinutes)
			}
			u.Preferences = prefs
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ============================================================================
// DEVICES
// ============================================================================

const deviceColumns = `device_id, tenant_id, mqtt_client_id, name, hw_version,
	firmware_version, filesystem_version, serial, ip, rssi, uptime_seconds,
	online, last_seen_at, unclaimed_at, password_hash, password, created_at`

func scanDevice(row interface{ Scan(...interface{}) error }) (*Device, error) {
	var d Device
	var ip, serial, hw, fw, fs sql.NullString
	var rssi sql.NullInt64
	var uptime sql.NullInt64
	var lastSeen, unclaimed sql.NullTime
	err := row.Scan(&d.ID, &d.TenantID, &d.MAC, &d.Name, &hw,
		&fw, &fs, &serial, &ip, &rssi, &uptime,
		&d.Online, &lastSeen, &unclaimed, &d.PasswordHash, &d.Password, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.HWVersion, d.FirmwareVersion, d.FilesystemVersion = hw.String, fw.String, fs.String
	d.Serial, d.IP = serial.String, ip.String
	d.RSSI = int(rssi.Int64)
	d.UptimeSeconds = uptime.Int64
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeenAt = &t
	}
	if unclaimed.Valid {
		t := unclaimed.Time
		d.UnclaimedAt = &t
	}
	return &d, nil
}

func (p *Postgres) getDevice(ctx context.Context, where string, args ...interface{}) (*Device, error) {
	d, err := scanDevice(p.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *Postgres) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	return p.getDevice(ctx, `device_id = $1`, deviceID)
}

func (p *Postgres) GetActiveDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	return p.getDevice(ctx, `mqtt_client_id = $1 AND unclaimed_at IS NULL`, mac)
}

func (p *Postgres) GetLatestDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	return p.getDevice(ctx,
		`mqtt_client_id = $1 ORDER BY unclaimed_at IS NULL DESC, created_at DESC LIMIT 1`, mac)
}

func (p *Postgres) GetDeviceByTenantMAC(ctx context.Context, tenantID, mac string) (*Device, error) {
	return p.getDevice(ctx,
		`tenant_id = $1 AND mqtt_client_id = $2 AND unclaimed_at IS NULL`, tenantID, mac)
}

func (p *Postgres) listDevices(ctx context.Context, where string, args ...interface{}) ([]Device, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (p *Postgres) ListActiveDevices(ctx context.Context) ([]Device, error) {
	return p.listDevices(ctx, `unclaimed_at IS NULL`)
}

func (p *Postgres) ListTenantDevices(ctx context.Context, tenantID string) ([]Device, error) {
	return p.listDevices(ctx, `tenant_id = $1 AND unclaimed_at IS NULL`, tenantID)
}

func (p *Postgres) UpdateDeviceStatus(ctx context.Context, deviceID string, u StatusUpdate) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE devices SET
			online = $2,
			last_seen_at = $3,
			firmware_version = COALESCE(NULLIF($4, ''), firmware_version),
			filesystem_version = COALESCE(NULLIF($5, ''), filesystem_version),
			ip = COALESCE(NULLIF($6, ''), ip),
			rssi = COALESCE($7, rssi),
			uptime_seconds = COALESCE($8, uptime_seconds)
		WHERE device_id = $1 AND unclaimed_at IS NULL`,
		deviceID, u.Online, u.LastSeenAt, u.FirmwareVersion, u.FilesystemVersion,
		u.IP, u.RSSI, u.UptimeSeconds)
	return err
}

func (p *Postgres) SetDeviceOnline(ctx context.Context, deviceID string, online bool) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE devices SET online = $2 WHERE device_id = $1`, deviceID, online)
	return err
}

func (p *Postgres) UpdateDeviceCredential(ctx context.Context, deviceID, passwordHash, password string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE devices SET password_hash = $2, password = $3 WHERE device_id = $1`,
		deviceID, passwordHash, password)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateDeviceTenant(ctx context.Context, deviceID, tenantID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE devices SET tenant_id = $2 WHERE device_id = $1 AND unclaimed_at IS NULL`,
		deviceID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RenameDevice(ctx context.Context, deviceID, name string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE devices SET name = $2 WHERE device_id = $1 AND unclaimed_at IS NULL`,
		deviceID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) PurgeUnclaimedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM devices WHERE unclaimed_at IS NOT NULL AND unclaimed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ============================================================================
// ENROLLMENT
// ============================================================================

func (p *Postgres) UpsertClaimingWindow(ctx context.Context, w ClaimingWindow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO device_claiming_queue (mac, tenant_hint, serial, ip, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mac) DO UPDATE SET
			tenant_hint = EXCLUDED.tenant_hint,
			serial = EXCLUDED.serial,
			ip = EXCLUDED.ip,
			expires_at = EXCLUDED.expires_at`,
		w.MAC, w.TenantHint, w.Serial, w.IP, w.ExpiresAt, w.CreatedAt)
	return err
}

func (p *Postgres) GetClaimingWindow(ctx context.Context, mac string) (*ClaimingWindow, error) {
	var w ClaimingWindow
	var hint, serial, ip sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT mac, tenant_hint, serial, ip, expires_at, created_at
		FROM device_claiming_queue WHERE mac = $1`, mac).
		Scan(&w.MAC, &hint, &serial, &ip, &w.ExpiresAt, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.TenantHint, w.Serial, w.IP = hint.String, serial.String, ip.String
	return &w, nil
}

func (p *Postgres) CreateClaimCode(ctx context.Context, c ClaimCode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO claim_codes (code, tenant_id, device_name, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.Code, c.TenantID, c.DeviceName, c.Status, c.ExpiresAt, c.CreatedAt)
	return err
}

func (p *Postgres) GetClaimCode(ctx context.Context, code string) (*ClaimCode, error) {
	var c ClaimCode
	err := p.db.QueryRowContext(ctx, `
		SELECT code, tenant_id, device_name, status, expires_at, created_at
		FROM claim_codes WHERE code = $1`, code).
		Scan(&c.Code, &c.TenantID, &c.DeviceName, &c.Status, &c.ExpiresAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) ClaimDevice(ctx context.Context, params ClaimParams) (*Device, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now()

	var code ClaimCode
	err = tx.QueryRowContext(ctx, `
		SELECT code, tenant_id, device_name, status, expires_at
		FROM claim_codes WHERE code = $1 FOR UPDATE`, params.Code).
		Scan(&code.Code, &code.TenantID, &code.DeviceName, &code.Status, &code.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, false, ErrClaimCodeInvalid
	}
	if err != nil {
		return nil, false, err
	}

	// Replay of a completed claim: hand back the existing device untouched.
	if code.Status == ClaimCodeClaimed {
		d, err := scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM devices
			 WHERE mqtt_client_id = $1 AND tenant_id = $2 AND unclaimed_at IS NULL`,
			params.MAC, code.TenantID))
		if err == sql.ErrNoRows {
			return nil, false, ErrClaimCodeInvalid
		}
		if err != nil {
			return nil, false, err
		}
		return d, false, tx.Commit()
	}
	if code.Status != ClaimCodeActive || now.After(code.ExpiresAt) {
		return nil, false, ErrClaimCodeInvalid
	}

	var windowExpires time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT expires_at FROM device_claiming_queue WHERE mac = $1 FOR UPDATE`,
		params.MAC).Scan(&windowExpires)
	if err == sql.ErrNoRows || (err == nil && now.After(windowExpires)) {
		return nil, false, ErrClaimWindowMissing
	}
	if err != nil {
		return nil, false, err
	}

	// A fresh claim resurrecting a previously revoked MAC drops the stale
	// soft-deleted row so the (MAC, unclaimed_at IS NULL) uniqueness holds.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM devices WHERE mqtt_client_id = $1 AND unclaimed_at IS NOT NULL`,
		params.MAC); err != nil {
		return nil, false, err
	}

	dev := &Device{
		ID:              uuid.NewString(),
		TenantID:        code.TenantID,
		MAC:             params.MAC,
		Name:            code.DeviceName,
		HWVersion:       params.HWVersion,
		FirmwareVersion: params.FirmwareVersion,
		Serial:          params.Serial,
		PasswordHash:    params.PasswordHash,
		Password:        params.Password,
		CreatedAt:       now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (device_id, tenant_id, mqtt_client_id, name, hw_version,
			firmware_version, serial, online, password_hash, password, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9, $10)`,
		dev.ID, dev.TenantID, dev.MAC, dev.Name, dev.HWVersion,
		dev.FirmwareVersion, dev.Serial, dev.PasswordHash, dev.Password, dev.CreatedAt); err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE claim_codes SET status = $2 WHERE code = $1`,
		code.Code, ClaimCodeClaimed); err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM device_claiming_queue WHERE mac = $1`, params.MAC); err != nil {
		return nil, false, err
	}

	return dev, true, tx.Commit()
}

// ============================================================================
// REVOCATION
// ============================================================================

func (p *Postgres) RevokeDevice(ctx context.Context, deviceID string, t RevocationToken) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE devices SET unclaimed_at = NOW(), online = false
		 WHERE device_id = $1 AND unclaimed_at IS NULL`, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revocation_tokens (token, device_id, mac, consumed, expires_at, created_at)
		VALUES ($1, $2, $3, false, $4, $5)`,
		t.Token, t.DeviceID, t.MAC, t.ExpiresAt, t.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) GetRevocationToken(ctx context.Context, token string) (*RevocationToken, error) {
	var t RevocationToken
	err := p.db.QueryRowContext(ctx, `
		SELECT token, device_id, mac, consumed, expires_at, created_at
		FROM revocation_tokens WHERE token = $1`, token).
		Scan(&t.Token, &t.DeviceID, &t.MAC, &t.Consumed, &t.ExpiresAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) ConsumeRevocationToken(ctx context.Context, token string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE revocation_tokens SET consumed = true WHERE token = $1 AND consumed = false`,
		token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ============================================================================
// ALERTS
// ============================================================================

const alertColumns = `alert_id, device_id, tenant_id, severity, status,
	triggered_at, resolved_at, resolved_by, sensor_data, classification`

func scanAlert(row interface{ Scan(...interface{}) error }) (*Alert, error) {
	var a Alert
	var resolvedAt sql.NullTime
	var resolvedBy, classification sql.NullString
	var sensor []byte
	err := row.Scan(&a.ID, &a.DeviceID, &a.TenantID, &a.Severity, &a.Status,
		&a.TriggeredAt, &resolvedAt, &resolvedBy, &sensor, &classification)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	a.ResolvedBy = resolvedBy.String
	a.Classification = classification.String
	if len(sensor) > 0 {
		_ = json.Unmarshal(sensor, &a.SensorData)
	}
	return &a, nil
}

func (p *Postgres) CreateAlertIfNoneActive(ctx context.Context, a Alert) (*Alert, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := scanAlert(tx.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE device_id = $1 AND status IN ('new','acknowledged')
		 LIMIT 1 FOR UPDATE`, a.DeviceID))
	if err == nil {
		_ = tx.Commit()
		return existing, ErrAlertActive
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	sensor, _ := json.Marshal(a.SensorData)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, device_id, tenant_id, severity, status,
			triggered_at, sensor_data, classification)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.DeviceID, a.TenantID, a.Severity, a.Status,
		a.TriggeredAt, sensor, a.Classification); err != nil {
		return nil, err
	}
	return &a, tx.Commit()
}

func (p *Postgres) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	a, err := scanAlert(p.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = $1`, alertID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *Postgres) GetActiveAlertForDevice(ctx context.Context, deviceID string) (*Alert, error) {
	a, err := scanAlert(p.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE device_id = $1 AND status IN ('new','acknowledged') LIMIT 1`, deviceID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *Postgres) ListTenantAlerts(ctx context.Context, tenantID, status string) ([]Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY triggered_at DESC LIMIT 500`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (p *Postgres) AcknowledgeAlert(ctx context.Context, alertID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE alerts SET status = 'acknowledged' WHERE alert_id = $1 AND status = 'new'`,
		alertID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) ResolveAlert(ctx context.Context, alertID, resolvedBy string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = NOW(), resolved_by = $2
		WHERE alert_id = $1 AND status IN ('new','acknowledged')`,
		alertID, resolvedBy)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) ResolveDeviceAlerts(ctx context.Context, deviceID, resolvedBy string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = NOW(), resolved_by = $2
		WHERE device_id = $1 AND status IN ('new','acknowledged')`,
		deviceID, resolvedBy)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ============================================================================
// ESCALATION STATE
// ============================================================================

func (p *Postgres) ListEscalatableAlerts(ctx context.Context, now time.Time, limit int) ([]Alert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts a
		LEFT JOIN alert_escalation_state es ON es.alert_id = a.alert_id
		WHERE a.status = 'new'
		  AND (es.alert_id IS NULL OR es.next_notification_at <= $1)
		ORDER BY a.triggered_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (p *Postgres) GetEscalationState(ctx context.Context, alertID string) (*EscalationState, error) {
	var s EscalationState
	var contacts []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT alert_id, level, last_notification_at, next_notification_at,
		       notification_count, contacts_notified, dnd_overridden
		FROM alert_escalation_state WHERE alert_id = $1`, alertID).
		Scan(&s.AlertID, &s.Level, &s.LastNotificationAt, &s.NextNotificationAt,
			&s.NotificationCount, &contacts, &s.DNDOverridden)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(contacts) > 0 {
		_ = json.Unmarshal(contacts, &s.ContactsNotified)
	}
	return &s, nil
}

func (p *Postgres) UpsertEscalationState(ctx context.Context, s EscalationState) error {
	contacts, _ := json.Marshal(s.ContactsNotified)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alert_escalation_state
			(alert_id, level, last_notification_at, next_notification_at,
			 notification_count, contacts_notified, dnd_overridden)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (alert_id) DO UPDATE SET
			level = EXCLUDED.level,
			last_notification_at = EXCLUDED.last_notification_at,
			next_notification_at = EXCLUDED.next_notification_at,
			notification_count = EXCLUDED.notification_count,
			contacts_notified = EXCLUDED.contacts_notified,
			dnd_overridden = EXCLUDED.dnd_overridden`,
		s.AlertID, s.Level, s.LastNotificationAt, s.NextNotificationAt,
		s.NotificationCount, contacts, s.DNDOverridden)
	return err
}

func (p *Postgres) DeleteEscalationState(ctx context.Context, alertID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM alert_escalation_state WHERE alert_id = $1`, alertID)
	return err
}

// ============================================================================
// CONTACTS & NOTIFICATION LOG
// ============================================================================

func (p *Postgres) ListEmergencyContacts(ctx context.Context, tenantID string) ([]EmergencyContact, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT contact_id, tenant_id, name, channel, target, escalation_level, enabled
		FROM emergency_contacts WHERE tenant_id = $1 AND enabled = true
		ORDER BY escalation_level, name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []EmergencyContact
	for rows.Next() {
		var c EmergencyContact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Channel,
			&c.Target, &c.EscalationLevel, &c.Enabled); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (p *Postgres) LogNotification(ctx context.Context, l NotificationLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notification_log
			(id, tenant_id, alert_id, recipient, channel, subject, success, error, sent_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`,
		l.ID, l.TenantID, l.AlertID, l.Recipient, l.Channel, l.Subject,
		l.Success, l.Error, l.SentAt)
	return err
}

// ============================================================================
// AUDIT & CLASSIFICATION
// ============================================================================

func (p *Postgres) AddClaimAudit(ctx context.Context, a ClaimAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO device_claim_audit
			(id, mac, device_id, tenant_id, action, source, detail, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)`,
		a.ID, a.MAC, a.DeviceID, a.TenantID, a.Action, a.Source, a.Detail, a.CreatedAt)
	return err
}

func (p *Postgres) HasClaimAudit(ctx context.Context, mac string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM device_claim_audit WHERE mac = $1)`, mac).
		Scan(&exists)
	return exists, err
}

func (p *Postgres) AddImageClassification(ctx context.Context, c ImageClassification) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	preds, _ := json.Marshal(c.Predictions)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO image_classifications
			(id, device_id, tenant_id, image_hash, label, confidence,
			 predictions, model_version, inference_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.DeviceID, c.TenantID, c.ImageHash, c.Label, c.Confidence,
		preds, c.ModelVersion, c.InferenceMS, c.CreatedAt)
	return err
}
