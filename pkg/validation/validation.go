package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxTitleLength       = 140
	MaxDescriptionLength = 2000
	MaxTags              = 10
	MaxTagLength         = 32
	MaxIDLength          = 100
)

var (
	// IDRegex validates session and viewer ID format
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// TagRegex validates a single normalized tag
	TagRegex = regexp.MustCompile(`^[\p{L}\p{N}_-]+$`)
)

// ValidateSessionID validates a broadcast session ID
func ValidateSessionID(sessionID string) error {
	return validateID(sessionID, "session ID")
}

// ValidateViewerID validates a viewer ID
func ValidateViewerID(viewerID string) error {
	return validateID(viewerID, "viewer ID")
}

func validateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, MaxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateTitle validates a session title
func ValidateTitle(title string) error {
	if err := ValidateNonEmptyString(title, "title"); err != nil {
		return err
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("title contains invalid characters")
	}
	return ValidateStringLength(strings.TrimSpace(title), 1, MaxTitleLength, "title")
}

// ValidateDescription validates an optional session description
func ValidateDescription(description string) error {
	if !utf8.ValidString(description) {
		return fmt.Errorf("description contains invalid characters")
	}
	return ValidateStringLength(description, 0, MaxDescriptionLength, "description")
}

// ValidateTags validates normalized session tags
func ValidateTags(tags []string) error {
	if len(tags) > MaxTags {
		return fmt.Errorf("too many tags (max %d)", MaxTags)
	}
	for _, tag := range tags {
		if err := ValidateStringLength(tag, 1, MaxTagLength, "tag"); err != nil {
			return err
		}
		if !TagRegex.MatchString(tag) {
			return fmt.Errorf("tag %q contains invalid characters", tag)
		}
	}
	return nil
}

// ValidateQuality validates quality tier name
func ValidateQuality(quality string) error {
	switch quality {
	case "low", "medium", "high":
		return nil
	default:
		return fmt.Errorf("invalid quality level %q (must be low, medium, or high)", quality)
	}
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
