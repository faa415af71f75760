package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// Target is a resolved upload location.
type Target struct {
	Bucket string
	Prefix string
}

// Service uploads finished downloads to remote object storage and hands out links.
type Service interface {
	// Upload stores the file under destination and returns a shareable link.
	// An empty destination means the configured default location.
	Upload(ctx context.Context, localPath, name, destination string) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ParseDestination resolves a user destination against the defaults. A destination is
// either a key prefix such as "videos/alice" or a full "s3://bucket/prefix" URI.
func ParseDestination(destination string, defaults Target) (Target, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return Target{Bucket: defaults.Bucket, Prefix: cleanPrefix(defaults.Prefix)}, nil
	}

	if rest, ok := strings.CutPrefix(destination, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Target{}, fmt.Errorf("destination %q has no bucket", destination)
		}
		return Target{Bucket: bucket, Prefix: cleanPrefix(prefix)}, nil
	}
	if strings.Contains(destination, "://") {
		return Target{}, fmt.Errorf("unsupported destination scheme in %q", destination)
	}
	return Target{Bucket: defaults.Bucket, Prefix: cleanPrefix(destination)}, nil
}

// ObjectKey places name under prefix in a directory of its own, so uploads of equally
// named files never overwrite each other.
func ObjectKey(prefix, unique, name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if prefix == "" {
		return unique + "/" + name
	}
	return prefix + "/" + unique + "/" + name
}

func cleanPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	cleaned := path.Clean(prefix)
	for strings.HasPrefix(cleaned, "../") {
		cleaned = strings.TrimPrefix(cleaned, "../")
	}
	if cleaned == "." || cleaned == ".." {
		return ""
	}
	return cleaned
}
