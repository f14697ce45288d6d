package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Iris/pkg/logger"
	"github.com/mitchellh/mapstructure"
)

var log = logger.Get("JobIntake")

// ValidationError is raised when a queued message does not satisfy the
// expected shape. Structural indicates the payload could not even be
// decoded to an object; such messages carry no usable retry counter and
// cannot be corrected by republishing.
type ValidationError struct {
	Fields     []string
	Structural bool
	cause      error
}

func (err *ValidationError) Error() string {
	if err.Structural {
		return fmt.Sprintf("message is structurally invalid: %v", err.cause)
	}

	return fmt.Sprintf("message failed validation of field(s) %s", strings.Join(err.Fields, ", "))
}

func (err *ValidationError) Unwrap() error { return err.cause }

// The wire shape of a queued acquisition request. The producer is an
// LLM-backed extractor, so field types arrive sloppy (numbers as strings
// and vice versa); decoding is deliberately weak-typed.
type inboundRecord struct {
	Language   string `mapstructure:"LNG" validate:"required"`
	Title      string `mapstructure:"TITLE"`
	Actor      string `mapstructure:"ACT" validate:"required"`
	Resolution string `mapstructure:"RES" validate:"required"`
	SourceURL  string `mapstructure:"MP4URL" validate:"required,url"`
	Type       string `mapstructure:"TYPE"`
	Retry      int    `mapstructure:"RETRY" validate:"gte=0"`
}

type Parser struct {
	validate          *validator.Validate
	defaultResolution Resolution
}

// NewParser constructs a message parser which degrades unrecognised RES
// values to the resolution provided rather than rejecting the message.
func NewParser(validate *validator.Validate, defaultResolution Resolution) *Parser {
	if defaultResolution == ResolutionUnknown {
		defaultResolution = P1080
	}

	return &Parser{validate: validate, defaultResolution: defaultResolution}
}

// Parse decodes and validates a raw queue payload in to a Job.
//
// On field-level validation failures the partially-populated Job is
// returned alongside the error so that the retry path can republish the
// canonical shape with an incremented retry counter. Structural failures
// (payload is not a JSON object) return a nil Job.
func (parser *Parser) Parse(messageID string, payload []byte) (*Job, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &ValidationError{Structural: true, cause: err}
	}

	var record inboundRecord
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &record,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct message decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, &ValidationError{Structural: true, cause: err}
	}

	record.Language = strings.TrimSpace(record.Language)
	record.Title = strings.TrimSpace(record.Title)
	record.Actor = strings.TrimSpace(record.Actor)
	record.Resolution = strings.TrimSpace(record.Resolution)
	record.SourceURL = strings.TrimSpace(record.SourceURL)

	parsed := &Job{
		ID:            uuid.New(),
		MessageID:     messageID,
		Title:         record.Title,
		Language:      record.Language,
		Actor:         record.Actor,
		SourceURL:     record.SourceURL,
		RawResolution: record.Resolution,
		RawType:       record.Type,
		RetryCount:    record.Retry,
		State:         Pending,
		RawPayload:    payload,
	}

	if err := parser.validate.Struct(record); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				fields = append(fields, wireFieldName(fieldErr.StructField()))
			}

			return parsed, &ValidationError{Fields: fields, cause: err}
		}

		return parsed, &ValidationError{Fields: []string{"unknown"}, cause: err}
	}

	contentType, err := ParseContentType(record.Type)
	if err != nil {
		return parsed, &ValidationError{Fields: []string{"TYPE"}, cause: err}
	}
	parsed.Type = contentType

	parsed.Resolution = ParseResolution(record.Resolution)
	if parsed.Resolution == ResolutionUnknown {
		log.Warnf("Message %s requested unrecognised resolution %q, degrading to %s\n", messageID, record.Resolution, parser.defaultResolution)
		parsed.Resolution = parser.defaultResolution
		parsed.Degraded = true
	}

	return parsed, nil
}

// wireFieldName maps a struct field back to the name the producer uses.
func wireFieldName(structField string) string {
	switch structField {
	case "Language":
		return "LNG"
	case "Title":
		return "TITLE"
	case "Actor":
		return "ACT"
	case "Resolution":
		return "RES"
	case "SourceURL":
		return "MP4URL"
	case "Type":
		return "TYPE"
	case "Retry":
		return "RETRY"
	default:
		return structField
	}
}
