package service

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/repository"
)

// ErrInvalidDestination is returned for an empty or malformed destination.
var ErrInvalidDestination = errors.New("invalid destination")

// AccessService answers authorization questions and manages the allowlist and
// per-user upload destinations. Nothing is cached: every call reads the stores.
type AccessService interface {
	OwnerID() int64
	IsOwner(userID int64) bool
	Authorize(userID, chatID int64) error
	AddUser(actorID, userID int64) (bool, error)
	AuthorizeGroup(actorID, chatID int64) (bool, error)
	SetDestination(userID int64, destination string) error
	Destination(userID int64) (string, error)
}

type accessService struct {
	ownerID      int64
	permissions  repository.PermissionRepository
	destinations repository.DestinationRepository
}

func NewAccessService(ownerID int64, permissions repository.PermissionRepository, destinations repository.DestinationRepository) AccessService {
	return &accessService{
		ownerID:      ownerID,
		permissions:  permissions,
		destinations: destinations,
	}
}

func (s *accessService) OwnerID() int64 {
	return s.ownerID
}

func (s *accessService) IsOwner(userID int64) bool {
	return userID == s.ownerID
}

func (s *accessService) Authorize(userID, chatID int64) error {
	if s.IsOwner(userID) {
		return nil
	}
	perms, err := s.permissions.Load()
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	if !perms.Allows(userID, chatID) {
		return domain.ErrUnauthorized
	}
	return nil
}

func (s *accessService) AddUser(actorID, userID int64) (bool, error) {
	if !s.IsOwner(actorID) {
		return false, domain.ErrUnauthorized
	}
	perms, err := s.permissions.Load()
	if err != nil {
		return false, fmt.Errorf("load permissions: %w", err)
	}
	if slices.Contains(perms.AuthorizedUsers, userID) {
		return false, nil
	}
	perms.AuthorizedUsers = append(perms.AuthorizedUsers, userID)
	if err := s.permissions.Save(perms); err != nil {
		return false, fmt.Errorf("save permissions: %w", err)
	}
	return true, nil
}

func (s *accessService) AuthorizeGroup(actorID, chatID int64) (bool, error) {
	if !s.IsOwner(actorID) {
		return false, domain.ErrUnauthorized
	}
	perms, err := s.permissions.Load()
	if err != nil {
		return false, fmt.Errorf("load permissions: %w", err)
	}
	if slices.Contains(perms.AuthorizedGroups, chatID) {
		return false, nil
	}
	perms.AuthorizedGroups = append(perms.AuthorizedGroups, chatID)
	if err := s.permissions.Save(perms); err != nil {
		return false, fmt.Errorf("save permissions: %w", err)
	}
	return true, nil
}

func (s *accessService) SetDestination(userID int64, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" || strings.ContainsAny(destination, " \t\n") {
		return ErrInvalidDestination
	}
	destinations, err := s.destinations.Load()
	if err != nil {
		return fmt.Errorf("load destinations: %w", err)
	}
	destinations[strconv.FormatInt(userID, 10)] = destination
	if err := s.destinations.Save(destinations); err != nil {
		return fmt.Errorf("save destinations: %w", err)
	}
	return nil
}

// Destination returns the user's upload destination or "" when none is set.
func (s *accessService) Destination(userID int64) (string, error) {
	destinations, err := s.destinations.Load()
	if err != nil {
		return "", fmt.Errorf("load destinations: %w", err)
	}
	return destinations[strconv.FormatInt(userID, 10)], nil
}
