package validator

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	playground "github.com/go-playground/validator/v10"

	"github.com/HongyunQiu/QNotes/pkg/errors"
)

const (
	MaxTitleLength    = 255
	MaxKeywordLength  = 64
	MaxKeywords       = 50
	MaxContentBytes   = 2 * 1024 * 1024
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

var (
	// Username: 3-32 characters, lower-case letters, digits, dot, dash and underscore
	usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
)

type Validator struct {
	structs *playground.Validate
}

func New() *Validator {
	v := playground.New(playground.WithRequiredStructEnabled())
	// Report json field names so messages match the request payload
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{structs: v}
}

// Struct validates a request struct using its `validate` tags.
func (v *Validator) Struct(s any) error {
	err := v.structs.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs playground.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errors.NewAppError(errors.ErrInvalidInput, err.Error(), 400)
	}

	fe := fieldErrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", fe.Field())
	case "max":
		msg = fmt.Sprintf("%s is too long (max %s)", fe.Field(), fe.Param())
	case "min":
		msg = fmt.Sprintf("%s is too short (min %s)", fe.Field(), fe.Param())
	case "gte", "lte", "gt":
		msg = fmt.Sprintf("%s is out of range", fe.Field())
	default:
		msg = fmt.Sprintf("%s is invalid", fe.Field())
	}
	return errors.NewAppError(errors.ErrInvalidInput, msg, 400)
}

// NormalizeUsername trims and lower-cases a username; usernames compare case-insensitively
func (v *Validator) NormalizeUsername(username string) string {
	return strings.ToLower(v.SanitizeString(username))
}

// ValidateUsername checks a normalized username
func (v *Validator) ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return errors.NewAppError(errors.ErrInvalidUsername,
			"username must be 3-32 characters of letters, digits, '.', '-' or '_'", 400)
	}
	return nil
}

// ValidatePassword checks password strength
func (v *Validator) ValidatePassword(password string) error {
	if len(password) < MinPasswordLength || len(password) > MaxPasswordLength {
		return errors.NewAppError(errors.ErrWeakPassword,
			fmt.Sprintf("password must be %d-%d characters", MinPasswordLength, MaxPasswordLength), 400)
	}

	var hasLetter, hasNumber bool
	for _, char := range password {
		switch {
		case unicode.IsLetter(char):
			hasLetter = true
		case unicode.IsNumber(char):
			hasNumber = true
		}
	}

	if !hasLetter || !hasNumber {
		return errors.NewAppError(errors.ErrWeakPassword, "password must contain letters and digits", 400)
	}

	return nil
}

// SanitizeString removes null bytes and surrounding whitespace
func (v *Validator) SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}

// ValidateNoteTitle validates note title
func (v *Validator) ValidateNoteTitle(title string) error {
	title = strings.TrimSpace(title)

	if len(title) == 0 {
		return errors.NewAppError(errors.ErrInvalidInput, "title cannot be empty", 400)
	}

	if utf8.RuneCountInString(title) > MaxTitleLength {
		return errors.NewAppError(errors.ErrInvalidInput,
			fmt.Sprintf("title too long (max %d characters)", MaxTitleLength), 400)
	}

	return nil
}

// ValidateNoteContent validates the serialized block document
func (v *Validator) ValidateNoteContent(content []byte) error {
	if len(content) > MaxContentBytes {
		return errors.NewAppError(errors.ErrInvalidInput, "content too long (max 2MB)", 400)
	}

	return nil
}

// ValidateKeywords validates already sanitized keywords
func (v *Validator) ValidateKeywords(keywords []string) error {
	if len(keywords) > MaxKeywords {
		return errors.NewAppError(errors.ErrInvalidInput,
			fmt.Sprintf("too many keywords (max %d)", MaxKeywords), 400)
	}

	for _, k := range keywords {
		if utf8.RuneCountInString(k) > MaxKeywordLength {
			return errors.NewAppError(errors.ErrInvalidInput,
				fmt.Sprintf("keyword %q too long (max %d characters)", k, MaxKeywordLength), 400)
		}
	}

	return nil
}
