package file

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/converge/pkg/engine"
)

// ChecksumKind selects how content drift is detected.
type ChecksumKind string

const (
	ChecksumMD5       ChecksumKind = "md5"
	ChecksumMD5Lite   ChecksumKind = "md5-lite"
	ChecksumTimestamp ChecksumKind = "timestamp"
	ChecksumCtime     ChecksumKind = "ctime"
	ChecksumSHA256    ChecksumKind = "sha256"
)

// normalize folds accepted aliases onto their canonical kind.
func (k ChecksumKind) normalize() ChecksumKind {
	if k == "md5lite" {
		return ChecksumMD5Lite
	}
	return k
}

// CreateMode says whether, and as what, a missing object is created.
type CreateMode string

const (
	CreateNone      CreateMode = ""
	CreateFile      CreateMode = "file"
	CreateDirectory CreateMode = "directory"
)

// UnmarshalJSON accepts true, false, "true", "false", "file" and "directory".
func (c *CreateMode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*c = CreateFile
		} else {
			*c = CreateNone
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("create must be a boolean or a string, got %s", data)
	}
	switch strings.ToLower(s) {
	case "", "false":
		*c = CreateNone
	case "true", "file":
		*c = CreateFile
	case "directory":
		*c = CreateDirectory
	default:
		return fmt.Errorf("create must be true, false or \"directory\", got %q", s)
	}
	return nil
}

// MarshalJSON renders CreateFile as true so declarations round-trip.
func (c CreateMode) MarshalJSON() ([]byte, error) {
	switch c {
	case CreateNone:
		return []byte("false"), nil
	case CreateFile:
		return []byte("true"), nil
	default:
		return json.Marshal(string(c))
	}
}

// Config is the declaration of one file resource. Only the set fields are managed.
type Config struct {
	// Path is the resource identity. Relative paths are made absolute.
	Path string `json:"path" validate:"required"`

	// Owner is a user name or numeric uid.
	Owner string `json:"owner,omitempty" validate:"omitempty,max=256"`

	// Group is a group name or numeric gid.
	Group string `json:"group,omitempty" validate:"omitempty,max=256"`

	// Mode is an octal permission pattern such as "0644".
	Mode string `json:"mode,omitempty" validate:"omitempty,filemode"`

	// Checksum enables drift detection with the given kind.
	Checksum ChecksumKind `json:"checksum,omitempty" validate:"omitempty,oneof=md5 md5-lite md5lite timestamp ctime sha256"`

	// Create synthesizes a missing file or directory.
	Create CreateMode `json:"create,omitempty" validate:"omitempty,oneof=file directory"`

	// Link makes the path a symbolic link to this target.
	Link string `json:"link,omitempty"`

	// Source is a local path or sftp:// URI to copy content from.
	Source string `json:"source,omitempty"`

	// Recurse manages every entry below a directory.
	Recurse bool `json:"recurse,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("filemode", func(fl validator.FieldLevel) bool {
		_, err := parseMode(fl.Field().String())
		return err == nil
	})

	v.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)
		if cfg.Link == "" {
			return
		}
		// a link owns the path outright
		if cfg.Source != "" {
			sl.ReportError(cfg.Source, "source", "Source", "excluded_with_link", "")
		}
		if cfg.Create != CreateNone {
			sl.ReportError(cfg.Create, "create", "Create", "excluded_with_link", "")
		}
		if cfg.Recurse {
			sl.ReportError(cfg.Recurse, "recurse", "Recurse", "excluded_with_link", "")
		}
		if cfg.Mode != "" {
			sl.ReportError(cfg.Mode, "mode", "Mode", "excluded_with_link", "")
		}
		if cfg.Checksum != "" {
			sl.ReportError(cfg.Checksum, "checksum", "Checksum", "excluded_with_link", "")
		}
		if cfg.Owner != "" {
			sl.ReportError(cfg.Owner, "owner", "Owner", "excluded_with_link", "")
		}
		if cfg.Group != "" {
			sl.ReportError(cfg.Group, "group", "Group", "excluded_with_link", "")
		}
	}, Config{})

	return v
}

// Validate checks the declaration and returns a configuration error describing
// every invalid field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return engine.NewConfigurationError("invalid file declaration", err).WithResource(c.Path)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, msgForTag(fe))
	}
	return engine.NewConfigurationError("invalid file declaration: "+strings.Join(msgs, "; "), nil).
		WithResource(c.Path).
		WithCode(engine.ErrCodeValidation)
}

func msgForTag(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		if field == "create" {
			return fmt.Sprintf(`create must be true, false or "directory", got %q`, fe.Value())
		}
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "filemode":
		return fmt.Sprintf("%s must be an octal permission pattern, got %v", field, fe.Value())
	case "excluded_with_link":
		return fmt.Sprintf("%s cannot be combined with link", field)
	default:
		return fmt.Sprintf("%s failed validation for tag: %s", field, fe.Tag())
	}
}

// parseMode parses an octal permission pattern. Only permission and
// set-id/sticky bits are accepted.
func parseMode(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0o")
	if s == "" {
		return 0, fmt.Errorf("empty mode")
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	if v&^0o7777 != 0 {
		return 0, fmt.Errorf("mode %q has bits outside 07777", s)
	}
	return uint32(v), nil
}
