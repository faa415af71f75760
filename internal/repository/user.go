package repository

import "m3u8-relay/internal/domain"

// PermissionRepository loads and saves the user/group allowlist.
type PermissionRepository interface {
	Load() (domain.Permissions, error)
	Save(perms domain.Permissions) error
}

// DestinationRepository loads and saves per-user upload destinations.
type DestinationRepository interface {
	Load() (map[string]string, error)
	Save(destinations map[string]string) error
}
