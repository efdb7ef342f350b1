package identifier

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"tessera/internal/services"
)

// Namespace is the required prefix for every identifier this system accepts.
const Namespace = "urn:adsk."

const (
	objectPrefix     = "urn:adsk.objects:os.object:"
	derivativePrefix = "urn:adsk.viewing:fs.file:"

	maxIdentifierLength = 1000
	maxBucketLength     = 128
	maxObjectLength     = 512
)

var (
	allowedRunes   = regexp.MustCompile(`^[A-Za-z0-9._:/\-]+$`)
	derivativeTail = regexp.MustCompile(`^/output/[A-Za-z0-9._\-]+/[A-Za-z0-9\-]+$`)
	componentScrub = regexp.MustCompile(`[^A-Za-z0-9._\-]`)
)

// Validate rejects identifiers that are empty, oversized, contain disallowed
// characters, lack the namespace prefix, or do not match either supported
// shape. Input that is base64 of a valid identifier is accepted by decoding
// and re-validating once.
func Validate(id string) error {
	return validate(id, true)
}

func validate(id string, allowEncoded bool) error {
	if id == "" {
		return services.Wrap(services.ErrValidation, "identifier", "validate", "identifier is empty", nil)
	}
	if len(id) > maxIdentifierLength {
		return services.Wrap(services.ErrValidation, "identifier", "validate",
			fmt.Sprintf("identifier exceeds %d characters", maxIdentifierLength), nil)
	}
	if !strings.HasPrefix(id, Namespace) {
		if allowEncoded {
			if decoded, err := decodeBase64(id); err == nil {
				return validate(decoded, false)
			}
		}
		return services.Wrap(services.ErrValidation, "identifier", "validate",
			fmt.Sprintf("identifier must begin with %q", Namespace), nil)
	}
	if !allowedRunes.MatchString(id) {
		return services.Wrap(services.ErrValidation, "identifier", "validate", "identifier contains disallowed characters", nil)
	}

	switch {
	case strings.HasPrefix(id, objectPrefix):
		return validateObject(id)
	case strings.HasPrefix(id, derivativePrefix):
		return validateDerivative(id)
	default:
		return services.Wrap(services.ErrValidation, "identifier", "validate", "unknown identifier shape", nil)
	}
}

func validateObject(id string) error {
	rest := strings.TrimPrefix(id, objectPrefix)
	bucket, object, found := strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return services.Wrap(services.ErrValidation, "identifier", "validate", "object identifier requires bucket/object", nil)
	}
	if len(bucket) > maxBucketLength {
		return services.Wrap(services.ErrValidation, "identifier", "validate", "bucket component too long", nil)
	}
	if len(object) > maxObjectLength {
		return services.Wrap(services.ErrValidation, "identifier", "validate", "object component too long", nil)
	}
	return nil
}

func validateDerivative(id string) error {
	rest := strings.TrimPrefix(id, derivativePrefix)
	idx := strings.Index(rest, "/output/")
	if idx <= 0 {
		return services.Wrap(services.ErrValidation, "identifier", "validate", "derivative identifier requires an output segment", nil)
	}
	source := rest[:idx]
	if _, err := decodeBase64(source); err != nil {
		return services.Wrap(services.ErrValidation, "identifier", "validate", "derivative source is not base64", nil)
	}
	if !derivativeTail.MatchString(rest[idx:]) {
		return services.Wrap(services.ErrValidation, "identifier", "validate", "derivative output segment is malformed", nil)
	}
	return nil
}

// Encode returns the URL-safe unpadded base64 form used for wire addressing.
func Encode(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// Decode reverses Encode and re-validates the result.
func Decode(s string) (string, error) {
	decoded, err := decodeBase64(s)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "identifier", "decode", "input is not base64", err)
	}
	if err := validate(decoded, false); err != nil {
		return "", err
	}
	return decoded, nil
}

func decodeBase64(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty input")
	}
	// Strict mode rejects non-canonical encodings (non-zero trailing padding
	// bits), so distinct input strings never alias the same identifier.
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding.Strict(),
		base64.URLEncoding.Strict(),
		base64.RawStdEncoding.Strict(),
		base64.StdEncoding.Strict(),
	} {
		if decoded, err := enc.DecodeString(s); err == nil {
			return string(decoded), nil
		}
	}
	return "", fmt.Errorf("not base64")
}

// GenerateObjectID composes an object identifier from bucket and object
// components. Components are sanitized before composition: disallowed runes
// are replaced and lengths capped.
func GenerateObjectID(bucket, object string) string {
	return objectPrefix + sanitizeComponent(bucket, maxBucketLength) + "/" + sanitizeComponent(object, maxObjectLength)
}

// Split deconstructs an object identifier into bucket and object components.
func Split(id string) (string, string, error) {
	if err := validate(id, true); err != nil {
		return "", "", err
	}
	if !strings.HasPrefix(id, objectPrefix) {
		if decoded, err := decodeBase64(id); err == nil && strings.HasPrefix(decoded, objectPrefix) {
			id = decoded
		} else {
			return "", "", services.Wrap(services.ErrValidation, "identifier", "split", "not an object identifier", nil)
		}
	}
	rest := strings.TrimPrefix(id, objectPrefix)
	bucket, object, _ := strings.Cut(rest, "/")
	return bucket, object, nil
}

// ObjectExtension returns the lowercased trailing extension of an object
// identifier's object key, without the dot. Empty when the key has none.
func ObjectExtension(id string) (string, error) {
	_, object, err := Split(id)
	if err != nil {
		return "", err
	}
	idx := strings.LastIndexByte(object, '.')
	if idx < 0 || idx == len(object)-1 {
		return "", nil
	}
	return strings.ToLower(object[idx+1:]), nil
}

func sanitizeComponent(value string, maxLen int) string {
	cleaned := componentScrub.ReplaceAllString(strings.TrimSpace(value), "-")
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return cleaned
}
