// Package roster tracks the ordinary members of each group, their roles and
// the group's settings. Elder and founder roles are derived from the
// council, never stored here.
package roster

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/store"
)

const (
	membersBucket  = "members"
	settingsBucket = "settings"
)

// Role is a member's standing in a group.
type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleElder     Role = "elder"
	RoleFounder   Role = "founder"
	// RoleNone is returned for identities that are not in the group.
	RoleNone Role = ""
)

// ParseRole accepts the stored roles.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleMember:
		return RoleMember, nil
	case RoleModerator:
		return RoleModerator, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

var (
	ErrNotMember     = errors.New("not a member")
	ErrAlreadyMember = errors.New("already a member")
	ErrInvalidRole   = errors.New("invalid role")
	ErrNoChange      = errors.New("role unchanged")
	ErrProtected     = errors.New("elders must leave the council before removal")
	ErrInvalidKey    = errors.New("invalid setting key")
)

// Member is one roster entry.
type Member struct {
	Scope    string    `json:"scope"`
	Identity string    `json:"identity"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Council is the slice of the council registry the roster reads.
type Council interface {
	Get(ctx context.Context, scope string) (*council.Registry, error)
}

// Roster persists members and settings.
type Roster struct {
	backend store.Backend
	council Council
	log     *audit.Log
	locks   store.Locker
	now     func() time.Time
}

// New creates a roster.
func New(backend store.Backend, c Council, log *audit.Log) *Roster {
	return &Roster{backend: backend, council: c, log: log, now: time.Now}
}

func memberKey(scope, id string) string { return scope + "/" + id }

// Join adds id as an ordinary member.
func (r *Roster) Join(ctx context.Context, scope, id string) (*Member, error) {
	if err := audit.ValidateScope(scope); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, council.ErrInvalidIdentity
	}
	unlock := r.locks.Lock(scope)
	defer unlock()

	if _, err := r.get(ctx, scope, id); err == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyMember)
	} else if !errors.Is(err, ErrNotMember) {
		return nil, err
	}

	m := &Member{Scope: scope, Identity: id, Role: RoleMember, JoinedAt: r.now().UTC()}
	if err := r.put(ctx, m); err != nil {
		return nil, err
	}
	r.log.Record(ctx, scope, audit.KindMemberJoined, id, map[string]any{"role": string(m.Role)})
	return m, nil
}

// Get returns the roster entry of id.
func (r *Roster) Get(ctx context.Context, scope, id string) (*Member, error) {
	return r.get(ctx, scope, id)
}

// List returns the members of scope ordered by identity.
func (r *Roster) List(ctx context.Context, scope string) ([]*Member, error) {
	if err := audit.ValidateScope(scope); err != nil {
		return nil, err
	}
	return store.ScanJSON[Member](ctx, r.backend, membersBucket, store.ScanOptions{Prefix: scope + "/"})
}

// EffectiveRole combines the roster with the council: the founder and
// elders outrank any stored role, and council members need no roster entry.
func (r *Roster) EffectiveRole(ctx context.Context, scope, id string) (Role, error) {
	reg, err := r.council.Get(ctx, scope)
	switch {
	case err == nil:
		if id == reg.Founder {
			return RoleFounder, nil
		}
		if reg.IsElder(id) {
			return RoleElder, nil
		}
	case !errors.Is(err, council.ErrNotFound):
		return RoleNone, err
	}

	m, err := r.get(ctx, scope, id)
	if errors.Is(err, ErrNotMember) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, err
	}
	return m.Role, nil
}

// ApplyPromote raises target to role (moderator when empty).
func (r *Roster) ApplyPromote(ctx context.Context, scope, target string, role Role, actor string) (*Member, error) {
	if role == "" {
		role = RoleModerator
	}
	if role != RoleModerator {
		return nil, fmt.Errorf("%w: cannot promote to %q", ErrInvalidRole, role)
	}
	return r.mutate(ctx, scope, target, actor, audit.KindMemberPromoted, func(m *Member) error {
		if m.Role == role {
			return ErrNoChange
		}
		m.Role = role
		return nil
	})
}

// ApplyDemote returns target to an ordinary member.
func (r *Roster) ApplyDemote(ctx context.Context, scope, target, actor string) (*Member, error) {
	return r.mutate(ctx, scope, target, actor, audit.KindMemberDemoted, func(m *Member) error {
		if m.Role == RoleMember {
			return ErrNoChange
		}
		m.Role = RoleMember
		return nil
	})
}

// ApplyRemove drops target from the roster. Elders are protected.
func (r *Roster) ApplyRemove(ctx context.Context, scope, target, actor string) error {
	if err := r.guardElder(ctx, scope, target); err != nil {
		return err
	}
	unlock := r.locks.Lock(scope)
	defer unlock()

	if _, err := r.get(ctx, scope, target); err != nil {
		return err
	}
	if err := r.backend.Delete(ctx, membersBucket, memberKey(scope, target)); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	r.log.Record(ctx, scope, audit.KindMemberRemoved, actor, map[string]any{"target": target})
	return nil
}

func (r *Roster) guardElder(ctx context.Context, scope, target string) error {
	reg, err := r.council.Get(ctx, scope)
	if errors.Is(err, council.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if reg.IsElder(target) {
		return fmt.Errorf("%s: %w", target, ErrProtected)
	}
	return nil
}

func (r *Roster) mutate(ctx context.Context, scope, target, actor string, kind audit.Kind, fn func(*Member) error) (*Member, error) {
	if err := r.guardElder(ctx, scope, target); err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(scope)
	defer unlock()

	m, err := r.get(ctx, scope, target)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, fmt.Errorf("%s: %w", target, err)
	}
	if err := r.put(ctx, m); err != nil {
		return nil, err
	}
	r.log.Record(ctx, scope, kind, actor, map[string]any{"target": target, "role": string(m.Role)})
	return m, nil
}

// Settings returns every setting of scope.
func (r *Roster) Settings(ctx context.Context, scope string) (map[string]string, error) {
	out := map[string]string{}
	err := store.GetJSON(ctx, r.backend, settingsBucket, scope, &out)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return out, nil
}

// Setting returns one setting and whether it is set.
func (r *Roster) Setting(ctx context.Context, scope, key string) (string, bool, error) {
	all, err := r.Settings(ctx, scope)
	if err != nil {
		return "", false, err
	}
	v, ok := all[key]
	return v, ok, nil
}

// ApplySetting stores key=value. An empty value deletes the key.
func (r *Roster) ApplySetting(ctx context.Context, scope, key, value, actor string) (map[string]string, error) {
	if err := audit.ValidateScope(scope); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidKey
	}
	unlock := r.locks.Lock(scope)
	defer unlock()

	all, err := r.Settings(ctx, scope)
	if err != nil {
		return nil, err
	}
	prev, had := all[key]
	if value == "" {
		delete(all, key)
	} else {
		all[key] = value
	}
	if err := store.PutJSON(ctx, r.backend, settingsBucket, scope, all); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}

	details := map[string]any{"key": key, "value": value}
	if had {
		details["previous"] = prev
	}
	r.log.Record(ctx, scope, audit.KindSettingChanged, actor, details)
	return maps.Clone(all), nil
}

func (r *Roster) get(ctx context.Context, scope, id string) (*Member, error) {
	var m Member
	err := store.GetJSON(ctx, r.backend, membersBucket, memberKey(scope, id), &m)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotMember)
	}
	if err != nil {
		return nil, fmt.Errorf("load member: %w", err)
	}
	return &m, nil
}

func (r *Roster) put(ctx context.Context, m *Member) error {
	if err := store.PutJSON(ctx, r.backend, membersBucket, memberKey(m.Scope, m.Identity), m); err != nil {
		return fmt.Errorf("save member: %w", err)
	}
	return nil
}
