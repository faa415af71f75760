package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/sirupsen/logrus"
)

// ErrNoCachedToken is returned when no credentials have been retrieved yet.
var ErrNoCachedToken = errors.New("no cached token")

// credentialsRefresh bounds how long the SDK credential cache may keep a result.
const credentialsRefresh = time.Minute

// FileCredentials is the credentials document the owner uploads.
type FileCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

// ParseCredentials decodes and checks an uploaded credentials document.
func ParseCredentials(data []byte) (FileCredentials, error) {
	var creds FileCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return FileCredentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	creds.AccessKeyID = strings.TrimSpace(creds.AccessKeyID)
	creds.SecretAccessKey = strings.TrimSpace(creds.SecretAccessKey)
	creds.SessionToken = strings.TrimSpace(creds.SessionToken)
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return FileCredentials{}, errors.New("credentials need access_key_id and secret_access_key")
	}
	return creds, nil
}

// cachedToken is what gets written to the token file after every retrieval.
type cachedToken struct {
	AccessKeyID     string     `json:"access_key_id"`
	SecretAccessKey string     `json:"secret_access_key"`
	SessionToken    string     `json:"session_token,omitempty"`
	Source          string     `json:"source"`
	Expires         *time.Time `json:"expires,omitempty"`
	RetrievedAt     time.Time  `json:"retrieved_at"`
}

// CredentialFiles manages the uploaded credentials file and the token cache.
type CredentialFiles struct {
	CredentialsPath string
	TokenPath       string
}

// Save validates data and replaces the credentials file.
func (f CredentialFiles) Save(data []byte) error {
	creds, err := ParseCredentials(data)
	if err != nil {
		return err
	}
	return writePrivateJSON(f.CredentialsPath, creds)
}

func (f CredentialFiles) load() (FileCredentials, bool, error) {
	data, err := os.ReadFile(f.CredentialsPath)
	if errors.Is(err, os.ErrNotExist) {
		return FileCredentials{}, false, nil
	}
	if err != nil {
		return FileCredentials{}, false, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := ParseCredentials(data)
	if err != nil {
		return FileCredentials{}, false, err
	}
	return creds, true, nil
}

// HasToken reports whether a cached token file exists.
func (f CredentialFiles) HasToken() bool {
	info, err := os.Stat(f.TokenPath)
	return err == nil && !info.IsDir()
}

// ReadToken returns the cached token file contents.
func (f CredentialFiles) ReadToken() ([]byte, error) {
	data, err := os.ReadFile(f.TokenPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCachedToken
	}
	return data, err
}

func (f CredentialFiles) cache(creds aws.Credentials) error {
	token := cachedToken{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Source:          creds.Source,
		RetrievedAt:     time.Now().UTC(),
	}
	if creds.CanExpire {
		expires := creds.Expires.UTC()
		token.Expires = &expires
	}
	return writePrivateJSON(f.TokenPath, token)
}

// FileProvider reads the uploaded credentials file on every retrieval and falls back
// to the default provider chain when it is absent.
type FileProvider struct {
	files    CredentialFiles
	fallback aws.CredentialsProvider
	logger   *logrus.Logger
}

func NewFileProvider(files CredentialFiles, fallback aws.CredentialsProvider, logger *logrus.Logger) *FileProvider {
	if logger == nil {
		logger = logrus.New()
	}
	return &FileProvider{files: files, fallback: fallback, logger: logger}
}

func (p *FileProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	creds, found, err := p.files.load()
	if err != nil {
		p.logger.Warnf("ignoring credentials file: %v", err)
	}

	var result aws.Credentials
	switch {
	case found:
		result, err = credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken).Retrieve(ctx)
	case p.fallback != nil:
		result, err = p.fallback.Retrieve(ctx)
	default:
		err = errors.New("no storage credentials configured")
	}
	if err != nil {
		return aws.Credentials{}, err
	}

	if p.files.TokenPath != "" {
		if err := p.files.cache(result); err != nil {
			p.logger.Warnf("cache token: %v", err)
		}
	}

	// clients wrap providers in aws.CredentialsCache; expiring early makes a replaced file take effect
	limit := time.Now().Add(credentialsRefresh)
	if !result.CanExpire || result.Expires.After(limit) {
		result.CanExpire = true
		result.Expires = limit
	}
	return result, nil
}

var _ aws.CredentialsProvider = (*FileProvider)(nil)

func writePrivateJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
