package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and single-binary dev runs.
// It applies the same transactional invariants as Postgres under one mutex.
type Memory struct {
	mu sync.Mutex

	tenants         map[string]Tenant
	users           map[string][]User // tenant id -> users
	devices         map[string]Device // device id -> device
	windows         map[string]ClaimingWindow
	claimCodes      map[string]ClaimCode
	tokens          map[string]RevocationToken
	alerts          map[string]Alert
	escalation      map[string]EscalationState
	contacts        map[string][]EmergencyContact
	notifications   []NotificationLog
	audits          []ClaimAudit
	classifications []ImageClassification

	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants:    make(map[string]Tenant),
		users:      make(map[string][]User),
		devices:    make(map[string]Device),
		windows:    make(map[string]ClaimingWindow),
		claimCodes: make(map[string]ClaimCode),
		tokens:     make(map[string]RevocationToken),
		alerts:     make(map[string]Alert),
		escalation: make(map[string]EscalationState),
		contacts:   make(map[string][]EmergencyContact),
		now:        time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) Close() error { return nil }

// ============================================================================
// SEED HELPERS (tests and dev bootstrap)
// ============================================================================

func (m *Memory) PutTenant(t Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.TenantID] = append(m.users[u.TenantID], u)
}

func (m *Memory) PutDevice(d Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
}

func (m *Memory) PutEmergencyContact(c EmergencyContact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.TenantID] = append(m.contacts[c.TenantID], c)
}

// Notifications returns a copy of the notification log. Test hook.
func (m *Memory) Notifications() []NotificationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NotificationLog, len(m.notifications))
	copy(out, m.notifications)
	return out
}

// ============================================================================
// TENANTS & USERS
// ============================================================================

func (m *Memory) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) ListTenantUsers(_ context.Context, tenantID string) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, len(m.users[tenantID]))
	copy(out, m.users[tenantID])
	return out, nil
}

// ============================================================================
// DEVICES
// ============================================================================

func (m *Memory) GetDevice(_ context.Context, deviceID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *Memory) activeByMAC(mac string) (*Device, bool) {
	for _, d := range m.devices {
		if d.MAC == mac && d.UnclaimedAt == nil {
			dd := d
			return &dd, true
		}
	}
	return nil, false
}

func (m *Memory) GetActiveDeviceByMAC(_ context.Context, mac string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.activeByMAC(mac); ok {
		return d, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) GetLatestDeviceByMAC(_ context.Context, mac string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.activeByMAC(mac); ok {
		return d, nil
	}
	var latest *Device
	for _, d := range m.devices {
		if d.MAC != mac {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			dd := d
			latest = &dd
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) GetDeviceByTenantMAC(_ context.Context, tenantID, mac string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.activeByMAC(mac); ok && d.TenantID == tenantID {
		return d, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) ListActiveDevices(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.UnclaimedAt == nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListTenantDevices(_ context.Context, tenantID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.UnclaimedAt == nil && d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateDeviceStatus(_ context.Context, deviceID string, u StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UnclaimedAt != nil {
		return nil
	}
	d.Online = u.Online
	t := u.LastSeenAt
	d.LastSeenAt = &t
	if u.FirmwareVersion != "" {
		d.FirmwareVersion = u.FirmwareVersion
	}
	if u.FilesystemVersion != "" {
		d.FilesystemVersion = u.FilesystemVersion
	}
	if u.IP != "" {
		d.IP = u.IP
	}
	if u.RSSI != nil {
		d.RSSI = *u.RSSI
	}
	if u.UptimeSeconds != nil {
		d.UptimeSeconds = *u.UptimeSeconds
	}
	m.devices[deviceID] = d
	return nil
}

func (m *Memory) SetDeviceOnline(_ context.Context, deviceID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok {
		d.Online = online
		m.devices[deviceID] = d
	}
	return nil
}

func (m *Memory) UpdateDeviceCredential(_ context.Context, deviceID, passwordHash, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.PasswordHash = passwordHash
	d.Password = password
	m.devices[deviceID] = d
	return nil
}

func (m *Memory) UpdateDeviceTenant(_ context.Context, deviceID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UnclaimedAt != nil {
		return ErrNotFound
	}
	d.TenantID = tenantID
	m.devices[deviceID] = d
	return nil
}

func (m *Memory) RenameDevice(_ context.Context, deviceID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UnclaimedAt != nil {
		return ErrNotFound
	}
	d.Name = name
	m.devices[deviceID] = d
	return nil
}

func (m *Memory) PurgeUnclaimedBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.devices {
		if d.UnclaimedAt != nil && d.UnclaimedAt.Before(cutoff) {
			delete(m.devices, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// ENROLLMENT
// ============================================================================

func (m *Memory) UpsertClaimingWindow(_ context.Context, w ClaimingWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[w.MAC] = w
	return nil
}

func (m *Memory) GetClaimingWindow(_ context.Context, mac string) (*ClaimingWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[mac]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *Memory) CreateClaimCode(_ context.Context, c ClaimCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimCodes[c.Code] = c
	return nil
}

func (m *Memory) GetClaimCode(_ context.Context, code string) (*ClaimCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claimCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) ClaimDevice(_ context.Context, p ClaimParams) (*Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	code, ok := m.claimCodes[p.Code]
	if !ok {
		return nil, false, ErrClaimCodeInvalid
	}
	if code.Status == ClaimCodeClaimed {
		if d, ok := m.activeByMAC(p.MAC); ok && d.TenantID == code.TenantID {
			return d, false, nil
		}
		return nil, false, ErrClaimCodeInvalid
	}
	if code.Status != ClaimCodeActive || now.After(code.ExpiresAt) {
		return nil, false, ErrClaimCodeInvalid
	}

	w, ok := m.windows[p.MAC]
	if !ok || now.After(w.ExpiresAt) {
		return nil, false, ErrClaimWindowMissing
	}

	for id, d := range m.devices {
		if d.MAC == p.MAC && d.UnclaimedAt != nil {
			delete(m.devices, id)
		}
	}

	dev := Device{
		ID:              uuid.NewString(),
		TenantID:        code.TenantID,
		MAC:             p.MAC,
		Name:            code.DeviceName,
		HWVersion:       p.HWVersion,
		FirmwareVersion: p.FirmwareVersion,
		Serial:          p.Serial,
		PasswordHash:    p.PasswordHash,
		Password:        p.Password,
		CreatedAt:       now,
	}
	m.devices[dev.ID] = dev

	code.Status = ClaimCodeClaimed
	m.claimCodes[p.Code] = code
	delete(m.windows, p.MAC)

	return &dev, true, nil
}

// ============================================================================
// REVOCATION
// ============================================================================

func (m *Memory) RevokeDevice(_ context.Context, deviceID string, t RevocationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UnclaimedAt != nil {
		return ErrNotFound
	}
	now := m.now()
	d.UnclaimedAt = &now
	d.Online = false
	m.devices[deviceID] = d
	m.tokens[t.Token] = t
	return nil
}

func (m *Memory) GetRevocationToken(_ context.Context, token string) (*RevocationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) ConsumeRevocationToken(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.Consumed {
		return false, nil
	}
	t.Consumed = true
	m.tokens[token] = t
	return true, nil
}

// ============================================================================
// ALERTS
// ============================================================================

func (m *Memory) CreateAlertIfNoneActive(_ context.Context, a Alert) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.DeviceID == a.DeviceID && existing.Active() {
			e := existing
			return &e, ErrAlertActive
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.alerts[a.ID] = a
	return &a, nil
}

func (m *Memory) GetAlert(_ context.Context, alertID string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) GetActiveAlertForDevice(_ context.Context, deviceID string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.DeviceID == deviceID && a.Active() {
			aa := a
			return &aa, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListTenantAlerts(_ context.Context, tenantID, status string) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if a.TenantID != tenantID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out, nil
}

func (m *Memory) AcknowledgeAlert(_ context.Context, alertID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || a.Status != AlertNew {
		return false, nil
	}
	a.Status = AlertAcknowledged
	m.alerts[alertID] = a
	return true, nil
}

func (m *Memory) ResolveAlert(_ context.Context, alertID, resolvedBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || !a.Active() {
		return false, nil
	}
	m.resolveLocked(&a, resolvedBy)
	return true, nil
}

func (m *Memory) ResolveDeviceAlerts(_ context.Context, deviceID, resolvedBy string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.DeviceID == deviceID && a.Active() {
			m.resolveLocked(&a, resolvedBy)
			n++
		}
	}
	return n, nil
}

func (m *Memory) resolveLocked(a *Alert, resolvedBy string) {
	now := m.now()
	a.Status = AlertResolved
	a.ResolvedAt = &now
	a.ResolvedBy = resolvedBy
	m.alerts[a.ID] = *a
}

// ============================================================================
// ESCALATION STATE
// ============================================================================

func (m *Memory) ListEscalatableAlerts(_ context.Context, now time.Time, limit int) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if a.Status != AlertNew {
			continue
		}
		if s, ok := m.escalation[a.ID]; ok && s.NextNotificationAt.After(now) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetEscalationState(_ context.Context, alertID string) (*EscalationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.escalation[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) UpsertEscalationState(_ context.Context, s EscalationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalation[s.AlertID] = s
	return nil
}

func (m *Memory) DeleteEscalationState(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.escalation, alertID)
	return nil
}

// ============================================================================
// CONTACTS, NOTIFICATIONS, AUDIT, CLASSIFICATION
// ============================================================================

func (m *Memory) ListEmergencyContacts(_ context.Context, tenantID string) ([]EmergencyContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EmergencyContact
	for _, c := range m.contacts[tenantID] {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) LogNotification(_ context.Context, l NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	m.notifications = append(m.notifications, l)
	return nil
}

func (m *Memory) AddClaimAudit(_ context.Context, a ClaimAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.audits = append(m.audits, a)
	return nil
}

func (m *Memory) HasClaimAudit(_ context.Context, mac string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.audits {
		if a.MAC == mac {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) AddImageClassification(_ context.Context, c ImageClassification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.classifications = append(m.classifications, c)
	return nil
}
