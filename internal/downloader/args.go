package downloader

import (
	"fmt"
	"strings"

	"github.com/google/shlex"

	"m3u8-relay/internal/domain"
)

const (
	saveNameFlag = "--save-name"
	saveDirFlag  = "--save-dir"
	muxShortFlag = "-M"
	muxLongFlag  = "--mux-after-done"

	DefaultFormat     = "mp4"
	defaultNamePrefix = "video_"
)

var supportedFormats = map[string]struct{}{
	"mp4": {},
	"mkv": {},
	"ts":  {},
}

// Request is a validated downloader invocation.
type Request struct {
	// Args are the user's arguments, passed through unchanged.
	Args []string
	// SaveName is the value of --save-name, empty when the user did not set it.
	SaveName string
	// Format is the container extension selected with -M format=...
	Format string
}

// ParseArgs splits a shell-quoted argument string and extracts the output name
// and container format options. Options without a value, unsafe names,
// unsupported formats and an explicit --save-dir are rejected.
func ParseArgs(raw string) (Request, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Request{}, &domain.ValidationError{Reason: "no downloader arguments given"}
	}
	args, err := shlex.Split(raw)
	if err != nil {
		return Request{}, &domain.ValidationError{Reason: fmt.Sprintf("cannot parse arguments: %v", err)}
	}
	if len(args) == 0 {
		return Request{}, &domain.ValidationError{Reason: "no downloader arguments given"}
	}

	req := Request{Args: args, Format: DefaultFormat}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		flag, inline, hasInline := strings.Cut(arg, "=")
		if !strings.HasPrefix(flag, "-") {
			continue
		}
		switch flag {
		case saveNameFlag:
			value, next, err := optionValue(args, i, flag, inline, hasInline)
			if err != nil {
				return Request{}, err
			}
			i = next
			req.SaveName = value
		case muxShortFlag, muxLongFlag:
			value, next, err := optionValue(args, i, flag, inline, hasInline)
			if err != nil {
				return Request{}, err
			}
			i = next
			format, err := muxFormat(flag, value)
			if err != nil {
				return Request{}, err
			}
			if format != "" {
				req.Format = format
			}
		case saveDirFlag:
			return Request{}, &domain.ValidationError{Field: saveDirFlag, Reason: "the download directory is managed by the bot"}
		}
	}

	if err := validateSaveName(req.SaveName); err != nil {
		return Request{}, err
	}
	return req, nil
}

// optionValue returns the value of the option at args[i], given either inline
// (--flag=value) or as the next token, and the index of the last consumed token.
func optionValue(args []string, i int, flag, inline string, hasInline bool) (string, int, error) {
	value := inline
	if !hasInline {
		if i+1 >= len(args) {
			return "", i, &domain.ValidationError{Field: flag, Reason: "missing value"}
		}
		i++
		value = args[i]
	}
	if value == "" || strings.HasPrefix(value, "-") {
		return "", i, &domain.ValidationError{Field: flag, Reason: "missing value"}
	}
	return value, i, nil
}

// muxFormat reads format=<ext> out of a colon separated mux option string
// such as "format=mkv:muxer=ffmpeg". It returns "" when no format is set.
func muxFormat(flag, value string) (string, error) {
	for _, part := range strings.Split(value, ":") {
		key, val, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(key) != "format" {
			continue
		}
		format := strings.ToLower(strings.TrimSpace(val))
		if _, ok := supportedFormats[format]; !ok {
			return "", &domain.ValidationError{Field: flag, Reason: fmt.Sprintf("unsupported format %q (use mp4, mkv or ts)", val)}
		}
		return format, nil
	}
	return "", nil
}

func validateSaveName(name string) error {
	if name == "" {
		return nil
	}
	if strings.TrimSpace(name) == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return &domain.ValidationError{Field: saveNameFlag, Reason: fmt.Sprintf("invalid file name %q", name)}
	}
	return nil
}

// BaseName is the output name without extension for the given task id.
func (r Request) BaseName(taskID string) string {
	if r.SaveName != "" {
		return r.SaveName
	}
	return defaultNamePrefix + taskID
}

// Filename is the name of the file the downloader will produce.
func (r Request) Filename(taskID string) string {
	return r.BaseName(taskID) + "." + r.Format
}

// Argv builds the full command line. The save name is added when the user did not
// choose one, so the output file always matches Filename.
func (r Request) Argv(binary, taskID, saveDir string) []string {
	argv := make([]string, 0, len(r.Args)+5)
	argv = append(argv, binary)
	argv = append(argv, r.Args...)
	if r.SaveName == "" {
		argv = append(argv, saveNameFlag, r.BaseName(taskID))
	}
	return append(argv, saveDirFlag, saveDir)
}
