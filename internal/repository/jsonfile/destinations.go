package jsonfile

import "m3u8-relay/internal/repository"

// DestinationRepository maps user ids (as strings) to upload destinations.
type DestinationRepository struct {
	path string
}

func NewDestinationRepository(path string) *DestinationRepository {
	return &DestinationRepository{path: path}
}

func (r *DestinationRepository) Load() (map[string]string, error) {
	destinations := map[string]string{}
	if _, err := readJSON(r.path, &destinations); err != nil {
		return nil, err
	}
	if destinations == nil {
		destinations = map[string]string{}
	}
	return destinations, nil
}

func (r *DestinationRepository) Save(destinations map[string]string) error {
	return writeJSON(r.path, destinations)
}

var _ repository.DestinationRepository = (*DestinationRepository)(nil)
