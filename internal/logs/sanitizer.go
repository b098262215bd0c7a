package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer wraps a zapcore.Core and masks credential material in
// messages and string fields before they are written. Auth header values,
// bearer tokens and JWTs must never land in a log file in the clear.
type SecretSanitizer struct {
	zapcore.Core
	patterns []*secretPattern
	known    *sync.Map // registered plaintext secrets to mask
}

type secretPattern struct {
	regex    *regexp.Regexp
	maskFunc func(string) string
}

// NewSecretSanitizer creates a sanitizing core wrapping the provided core.
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	return &SecretSanitizer{
		Core:     core,
		patterns: defaultPatterns(),
		known:    &sync.Map{},
	}
}

func defaultPatterns() []*secretPattern {
	return []*secretPattern{
		// Bearer tokens, wherever they appear
		{
			regex: regexp.MustCompile(`\b(Bearer\s+[A-Za-z0-9\-\._~\+\/]+=*)\b`),
			maskFunc: func(token string) string {
				parts := strings.SplitN(token, " ", 2)
				if len(parts) != 2 || len(parts[1]) <= 6 {
					return "Bearer ****"
				}
				return "Bearer " + parts[1][:4] + "***" + parts[1][len(parts[1])-2:]
			},
		},
		// JWTs: keep the header segment, mask payload and signature
		{
			regex: regexp.MustCompile(`\b(eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+)\b`),
			maskFunc: func(jwt string) string {
				parts := strings.Split(jwt, ".")
				if len(parts) != 3 || len(parts[2]) < 4 {
					return "****"
				}
				return parts[0] + ".***." + parts[2][len(parts[2])-4:]
			},
		},
		// Common API key prefixes
		{
			regex: regexp.MustCompile(`\b((?:sk|pk|api|key)[-_][A-Za-z0-9\-_]{20,})\b`),
			maskFunc: func(key string) string {
				return key[:5] + "***" + key[len(key)-2:]
			},
		},
	}
}

// RegisterSecret registers a plaintext value to be masked wherever it
// appears. Used for decrypted header values and access tokens.
func (s *SecretSanitizer) RegisterSecret(value string) {
	if len(value) < 8 {
		return
	}
	s.known.Store(value, struct{}{})
}

// UnregisterSecret removes a value from the mask set.
func (s *SecretSanitizer) UnregisterSecret(value string) {
	s.known.Delete(value)
}

func (s *SecretSanitizer) sanitizeString(str string) string {
	result := str
	s.known.Range(func(key, _ interface{}) bool {
		value, ok := key.(string)
		if ok && value != "" {
			result = strings.ReplaceAll(result, value, maskValue(value))
		}
		return true
	})
	for _, pattern := range s.patterns {
		result = pattern.regex.ReplaceAllStringFunc(result, pattern.maskFunc)
	}
	return result
}

// Write sanitizes the entry before writing
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.sanitizeString(entry.Message)
	sanitized := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitized[i] = s.sanitizeField(field)
	}
	return s.Core.Write(entry, sanitized)
}

func (s *SecretSanitizer) sanitizeField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = s.sanitizeString(field.String)
	case zapcore.ByteStringType:
		if raw, ok := field.Interface.([]byte); ok {
			field.Interface = []byte(s.sanitizeString(string(raw)))
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			sanitized := s.sanitizeString(err.Error())
			if sanitized != err.Error() {
				field = zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: sanitized}
			}
		}
	}
	return field
}

// With creates a sanitizing child core
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	sanitized := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitized[i] = s.sanitizeField(field)
	}
	return &SecretSanitizer{
		Core:     s.Core.With(sanitized),
		patterns: s.patterns,
		known:    s.known,
	}
}

// Check delegates to the wrapped core
func (s *SecretSanitizer) Check(entry zapcore.Entry, checkedEntry *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checkedEntry.AddCore(entry, s)
	}
	return checkedEntry
}

// maskValue shows the first 3 and last 2 characters of a secret.
func maskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
