package jsonfile

import (
	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/repository"
)

type PermissionRepository struct {
	path    string
	ownerID int64
}

// NewPermissionRepository returns a store backed by path. When the file does not
// exist yet, the first Load creates it with the owner as the only authorized user.
func NewPermissionRepository(path string, ownerID int64) *PermissionRepository {
	return &PermissionRepository{path: path, ownerID: ownerID}
}

func (r *PermissionRepository) Load() (domain.Permissions, error) {
	var perms domain.Permissions
	found, err := readJSON(r.path, &perms)
	if err != nil {
		return domain.Permissions{}, err
	}
	if !found {
		perms = domain.Permissions{
			AuthorizedUsers:  []int64{r.ownerID},
			AuthorizedGroups: []int64{},
		}
		if err := writeJSON(r.path, perms); err != nil {
			return domain.Permissions{}, err
		}
		return perms, nil
	}
	if perms.AuthorizedUsers == nil {
		perms.AuthorizedUsers = []int64{}
	}
	if perms.AuthorizedGroups == nil {
		perms.AuthorizedGroups = []int64{}
	}
	return perms, nil
}

func (r *PermissionRepository) Save(perms domain.Permissions) error {
	return writeJSON(r.path, perms)
}

var _ repository.PermissionRepository = (*PermissionRepository)(nil)
